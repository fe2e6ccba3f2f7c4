package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors for core operations. Use errors.Is() to check these
// rather than inspecting error message strings.
var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrValidation      = errors.New("validation failed")
	ErrPersist         = errors.New("persist failed")
	ErrParse           = errors.New("parse failed")
	ErrAllRatersFailed = errors.New("all raters failed")
	ErrRequestTimeout  = errors.New("request timeout")
)

// ProviderError represents a failed LLM provider call. 4xx status codes
// indicate misconfiguration; 5xx and network errors are transient and
// eligible for queue retry.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 for network/transport errors
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s call failed: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Transient reports whether the error is worth retrying. Network errors and
// 5xx responses are transient; 4xx responses are the caller's fault.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// AgentRunError wraps an unexpected failure from an agent's Run method.
// Typed application errors (sentinels above, ProviderError) pass through
// unwrapped; everything else gets wrapped in one of these by the runner.
type AgentRunError struct {
	AgentName string
	Err       error
}

func (e *AgentRunError) Error() string {
	return fmt.Sprintf("agent %s run failed: %v", e.AgentName, e.Err)
}

func (e *AgentRunError) Unwrap() error {
	return e.Err
}

// IsTyped reports whether err is already one of the core's typed application
// errors and should propagate unchanged.
func IsTyped(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []error{
		ErrAgentNotFound, ErrRunNotFound, ErrValidation,
		ErrPersist, ErrParse, ErrAllRatersFailed, ErrRequestTimeout,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return true
	}
	var re *AgentRunError
	return errors.As(err, &re)
}
