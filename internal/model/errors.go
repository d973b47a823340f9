package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrorNotFound        = errors.New("not found")
	ErrorStaleExecution  = errors.New("execution is no longer current")
	ErrorExecutionSealed = errors.New("execution already sealed")
	ErrorScheduleBusy    = errors.New("schedule already has a running execution")
)

// ValidationError rejects a schedule definition. Fields maps the offending
// json field name to a short reason.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: reason}}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 1 {
		for field, reason := range e.Fields {
			return fmt.Sprintf("invalid %s: %s", field, reason)
		}
	}
	names := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		names = append(names, field)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, field := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return "invalid schedule: " + strings.Join(parts, "; ")
}

// DefinitionValidator checks a definition before it is persisted. It returns
// a *ValidationError for bad input.
type DefinitionValidator interface {
	ValidateDefinition(def ScheduleDefinition) error
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}
