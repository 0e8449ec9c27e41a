package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures for clients and logs
type ErrorKind string

const (
	KindInput           ErrorKind = "InputError"
	KindAnalysis        ErrorKind = "AnalysisError"
	KindSequencing      ErrorKind = "SequencingError"
	KindStrategyService ErrorKind = "StrategyServiceError"
	KindRender          ErrorKind = "RenderError"
	KindStorage         ErrorKind = "StorageError"
	KindExpiredSession  ErrorKind = "ExpiredSessionError"
)

// Sentinels for errors.Is against a PipelineError of the same kind.
var (
	ErrInput           = &PipelineError{Kind: KindInput}
	ErrAnalysis        = &PipelineError{Kind: KindAnalysis}
	ErrSequencing      = &PipelineError{Kind: KindSequencing}
	ErrStrategyService = &PipelineError{Kind: KindStrategyService}
	ErrRender          = &PipelineError{Kind: KindRender}
	ErrStorage         = &PipelineError{Kind: KindStorage}
	ErrExpiredSession  = &PipelineError{Kind: KindExpiredSession}

	// ErrNotReady is returned when an artifact is requested before the session is ready.
	ErrNotReady = errors.New("session not ready")
	// ErrAlreadyStarted is returned when a job is started twice for one session.
	ErrAlreadyStarted = errors.New("session already started")
)

// PipelineError carries a classification and a human-readable message.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Message == "" && e.Err == nil {
		return string(e.Kind)
	}
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is matches any PipelineError with the same kind.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewError builds a PipelineError of the given kind.
func NewError(kind ErrorKind, msg string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the classification of err, or "" when err is not a PipelineError.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}
