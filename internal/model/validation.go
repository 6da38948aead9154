// Package model defines the data structures that flow through one validation run.
//
// One ValidationRequest spawns at most one SynthesizedScript, at most one
// ExecutionResult and exactly one Verdict. Nothing here is shared between runs.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValidationRequest identifies one validation attempt end-to-end.
type ValidationRequest struct {
	VulnerabilityDescription string `json:"vulnerability"`
	TargetReference          string `json:"target_url"`
	ScanID                   string `json:"scan_id"`
}

// SynthesizedScript is the untrusted artifact produced by the synthesizer.
// It lives only for the duration of the run that created it.
type SynthesizedScript struct {
	Source       string `json:"source"`
	Model        string `json:"model"`
	GeneratedFor string `json:"generated_for"`
	Interpreter  string `json:"interpreter"`
}

// ExitStatus is an exit code, or one of the two non-numeric outcomes
// "timeout" and "error". The zero value is StatusError, so a result whose
// status was never set can not read as "vulnerable".
type ExitStatus struct {
	kind statusKind
	code int
}

type statusKind uint8

const (
	kindError statusKind = iota
	kindExited
	kindTimeout
)

// Exited returns the status of a process that terminated with code.
func Exited(code int) ExitStatus { return ExitStatus{kind: kindExited, code: code} }

// StatusTimeout is the status of a process killed for exceeding its limit.
var StatusTimeout = ExitStatus{kind: kindTimeout}

// StatusError is the status of a run that could not be launched or observed.
var StatusError = ExitStatus{kind: kindError}

// Code reports the exit code and whether the process actually exited.
func (s ExitStatus) Code() (int, bool) {
	return s.code, s.kind == kindExited
}

func (s ExitStatus) IsTimeout() bool { return s.kind == kindTimeout }
func (s ExitStatus) IsError() bool   { return s.kind == kindError }

func (s ExitStatus) String() string {
	switch s.kind {
	case kindTimeout:
		return "timeout"
	case kindExited:
		return strconv.Itoa(s.code)
	default:
		return "error"
	}
}

// MarshalJSON encodes exit codes as numbers and the other outcomes as strings.
func (s ExitStatus) MarshalJSON() ([]byte, error) {
	if s.kind == kindExited {
		return json.Marshal(s.code)
	}
	return json.Marshal(s.String())
}

func (s *ExitStatus) UnmarshalJSON(b []byte) error {
	var code int
	if err := json.Unmarshal(b, &code); err == nil {
		*s = Exited(code)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("exit status: %w", err)
	}
	switch str {
	case "timeout":
		*s = StatusTimeout
	case "error":
		*s = StatusError
	default:
		return fmt.Errorf("exit status: unknown value %q", str)
	}
	return nil
}

// ExecutionResult is produced once per run and never modified afterwards.
type ExecutionResult struct {
	Status    ExitStatus    `json:"exit_status"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	ScanID    string        `json:"scan_id"`
	Truncated bool          `json:"truncated"`
}

// Reason explains how a Verdict was reached.
type Reason string

const (
	ReasonExitZero        Reason = "EXIT_ZERO"
	ReasonNonzeroExit     Reason = "NONZERO_EXIT"
	ReasonTimeout         Reason = "TIMEOUT"
	ReasonSynthesisFailed Reason = "SYNTHESIS_FAILED"
	ReasonExecutionError  Reason = "EXECUTION_ERROR"
)

// Determinate reports whether the reason says anything about the target.
// TIMEOUT, SYNTHESIS_FAILED and EXECUTION_ERROR mean "could not determine".
func (r Reason) Determinate() bool {
	return r == ReasonExitZero || r == ReasonNonzeroExit
}

// Verdict is the terminal artifact of a run.
type Verdict struct {
	ScanID     string           `json:"scan_id"`
	Vulnerable bool             `json:"vulnerable"`
	Reason     Reason           `json:"reason"`
	Evidence   *ExecutionResult `json:"evidence,omitempty"`
	State      State            `json:"state"`
	// Error describes why the run ended without a determinate answer.
	Error string `json:"error,omitempty"`
}
