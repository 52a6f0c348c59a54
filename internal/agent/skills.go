// internal/agent/skills.go
package agent

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ScriptFunc is a deterministic script bundled with a skill. Scripts run
// in-process with structured arguments; nothing is loaded from disk at run
// time.
type ScriptFunc func(ctx context.Context, args map[string]any) (string, error)

// ValidateFunc is a skill's tripwire check. It runs before the skill's
// instructions are handed to the reasoning model; a false result blocks the
// skill without any side-effecting action having run.
type ValidateFunc func(ctx context.Context) (valid bool, reason string, err error)

// Skill is one registered workflow capability.
type Skill struct {
	Name         string
	Instructions string
	Validate     ValidateFunc
	Scripts      map[string]ScriptFunc
}

// SkillRegistry is a capability table resolved at startup. It satisfies
// schemas.SkillProvider.
type SkillRegistry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	skills map[string]Skill
}

// NewSkillRegistry returns an empty registry.
func NewSkillRegistry(logger *zap.Logger) *SkillRegistry {
	return &SkillRegistry{
		logger: logger,
		skills: make(map[string]Skill),
	}
}

// Register installs a skill, replacing any prior registration with the same
// name.
func (r *SkillRegistry) Register(skill Skill) error {
	if skill.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if skill.Instructions == "" {
		return fmt.Errorf("skill %q has no instructions", skill.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.skills[skill.Name]; exists {
		r.logger.Warn("Replacing registered skill", zap.String("skill", skill.Name))
	}
	r.skills[skill.Name] = skill
	return nil
}

// Names lists the registered skills for prompt construction.
func (r *SkillRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	return names
}

// LoadSkillInstructions returns the instruction text for a skill, or ok=false
// when no such skill is registered.
func (r *SkillRegistry) LoadSkillInstructions(_ context.Context, name string) (string, bool, error) {
	r.mu.RLock()
	skill, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	return skill.Instructions, true, nil
}

// ExecuteSkillValidation runs the skill's tripwire. A skill registered
// without a validation function passes by default.
func (r *SkillRegistry) ExecuteSkillValidation(ctx context.Context, name string) (bool, string, error) {
	r.mu.RLock()
	skill, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Sprintf("skill %q is not registered", name), nil
	}
	if skill.Validate == nil {
		return true, "", nil
	}
	return skill.Validate(ctx)
}

// ExecuteSkillScript runs a named script bundled with a skill.
func (r *SkillRegistry) ExecuteSkillScript(ctx context.Context, name, script string, args map[string]any) (string, error) {
	r.mu.RLock()
	skill, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("skill %q is not registered", name)
	}
	fn, ok := skill.Scripts[script]
	if !ok {
		return "", fmt.Errorf("skill %q has no script %q", name, script)
	}

	output, err := fn(ctx, args)
	if err != nil {
		return "", fmt.Errorf("script %s/%s failed: %w", name, script, err)
	}
	return output, nil
}
