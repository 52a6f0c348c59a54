// internal/agent/secrets.go
package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// TestAccount is a session-bound record of credentials for a managed test
// account. Field names, not values, are what the reasoning model sees.
type TestAccount struct {
	Fields map[string]string
}

// Secrets resolves secret field references at dispatch time. Environment
// secrets come from the process environment; test-account secrets from
// records bound to a session by the caller. It satisfies
// schemas.SecretResolver.
type Secrets struct {
	mu       sync.RWMutex
	accounts map[string]TestAccount // keyed by session id
}

// NewSecrets returns a resolver with no bound test accounts.
func NewSecrets() *Secrets {
	return &Secrets{accounts: make(map[string]TestAccount)}
}

// BindTestAccount attaches a test account to a session for the duration of
// its runs.
func (s *Secrets) BindTestAccount(sessionID string, account TestAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[sessionID] = account
}

// UnbindTestAccount drops a session's test account.
func (s *Secrets) UnbindTestAccount(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, sessionID)
}

// ResolveEnvSecret resolves a type_secret reference by environment key.
func (s *Secrets) ResolveEnvSecret(_ context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret environment variable %q is not set", key)
	}
	if value == "" {
		return "", fmt.Errorf("secret environment variable %q is empty", key)
	}
	return value, nil
}

// ResolveTestAccountSecret resolves a test-account field against the record
// bound to the session.
func (s *Secrets) ResolveTestAccountSecret(_ context.Context, sessionID, field string) (string, error) {
	s.mu.RLock()
	account, ok := s.accounts[sessionID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no test account bound to session %s", sessionID)
	}
	value, ok := account.Fields[field]
	if !ok {
		return "", fmt.Errorf("test account for session %s has no field %q", sessionID, field)
	}
	return value, nil
}
