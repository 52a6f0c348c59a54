package schemas

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// The control plane and the external executor exchange exactly one JSON
// object per event frame. The executor never initiates a message type of its
// own; it only answers run.next_action and emits observations.

// MessageType discriminates protocol frames.
type MessageType string

const (
	MsgExecutorHello   MessageType = "executor.hello"
	MsgRunAssign       MessageType = "run.assign"
	MsgRunNextAction   MessageType = "run.next_action"
	MsgRunActionResult MessageType = "run.action_result"
	MsgRunObservation  MessageType = "run.observation"
	MsgRunNeedsHuman   MessageType = "run.needs_human"
	MsgRunHumanResumed MessageType = "run.human_resumed"
	MsgRunStop         MessageType = "run.stop"
	MsgRunFinalize     MessageType = "run.finalize"
)

// RunStatus is the terminal status carried by run.finalize.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Frame is the wire representation of every protocol message. Fields are
// populated according to Type; absent fields are omitted from the encoding.
type Frame struct {
	Type MessageType `json:"type"`

	// executor.hello
	ExecutorID   string                `json:"executorId,omitempty"`
	Version      string                `json:"version,omitempty"`
	Capabilities *ExecutorCapabilities `json:"capabilities,omitempty"`

	// run.* common
	RunID     string `json:"runId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// run.assign
	Mode      string `json:"mode,omitempty"`
	TargetURL string `json:"targetUrl,omitempty"`

	// run.next_action
	StepID    string         `json:"stepId,omitempty"`
	Action    string         `json:"action,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`

	// run.action_result
	OK        *bool  `json:"ok,omitempty"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`

	// run.observation
	ScreenshotRef string   `json:"screenshotRef,omitempty"`
	DOMSnapshot   string   `json:"domSnapshot,omitempty"`
	ConsoleErrors []string `json:"consoleErrors,omitempty"`

	// run.needs_human / run.stop
	Reason string `json:"reason,omitempty"`
	Hint   string `json:"hint,omitempty"`

	// run.finalize
	Status  RunStatus `json:"status,omitempty"`
	Summary string    `json:"summary,omitempty"`
}

// frameJSON uses jsoniter's compatible config so frame encoding stays cheap on
// the per-action hot path without diverging from encoding/json semantics.
var frameJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeFrame serializes a frame as a single JSON object.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f.Type == "" {
		return nil, fmt.Errorf("cannot encode frame without a type")
	}
	return frameJSON.Marshal(f)
}

// DecodeFrame parses a single JSON frame and verifies it carries a type.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := frameJSON.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed protocol frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("protocol frame missing 'type' field")
	}
	return &f, nil
}

// Resolved reports the boolean result of a run.action_result frame, treating
// an absent ok field as failure.
func (f *Frame) Resolved() bool {
	return f.OK != nil && *f.OK
}
