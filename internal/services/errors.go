package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors used to classify collaborator failures. Stages wrap the
// underlying cause with one of these markers so the pipeline can decide
// between retry, terminal failure, and surfaced warnings without inspecting
// collaborator-specific error types.
var (
	// ErrDetection indicates the device event mechanism became unavailable.
	ErrDetection = errors.New("detection error")
	// ErrScan indicates the scan engine was unreachable or failed to run.
	// A scan failure is fatal for the job; it is never treated as clean.
	ErrScan = errors.New("scan error")
	// ErrThreat marks a threat classification. It is a terminal outcome for
	// the job, not a fault in the system.
	ErrThreat = errors.New("threat detected")
	// ErrArchiveTooLarge indicates the packed archive exceeded the
	// configured size limit.
	ErrArchiveTooLarge = errors.New("archive too large")
	// ErrTransient marks a retryable failure such as a network timeout.
	ErrTransient = errors.New("transient failure")
	// ErrAuth marks a non-retryable authentication or authorization failure.
	ErrAuth = errors.New("authentication error")
	// ErrDeleteFailed indicates a remote deletion attempt failed.
	ErrDeleteFailed = errors.New("delete failed")
	// ErrCancelled indicates the operator cancelled an interactive step.
	ErrCancelled = errors.New("cancelled")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error should be retried with backoff before
// the stage gives up.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
