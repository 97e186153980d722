package registry

import (
	"errors"
	"fmt"

	"github.com/tailored-agentic-units/relay/orchestrate/messaging"
)

var (
	ErrNotFound        = errors.New("name not registered")
	ErrExists          = errors.New("name already registered")
	ErrEmptyName       = errors.New("name is empty")
	ErrCycle           = errors.New("supervision cycle")
	ErrInstanceBound   = errors.New("instance already bound")
	ErrHasSubordinates = errors.New("supervisor has subordinates")
	ErrNilInstance     = errors.New("instance is nil")
)

// CycleError rejects a change that would break the forest shape.
type CycleError struct {
	Name       string
	Supervisor string
	Reason     string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cannot place %s under %s: %s", e.Name, e.Supervisor, e.Reason)
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

func (e *CycleError) ErrorCode() messaging.ErrorCode {
	return messaging.CodeRegistryCycle
}
