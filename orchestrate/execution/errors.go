package execution

import (
	"errors"
	"fmt"
)

var (
	ErrBudgetExceeded = errors.New("budget exceeded")
	ErrNegativeSpend  = errors.New("spend must not be negative")
	ErrInvalidSpend   = errors.New("spend must be a finite amount")
	ErrNoContext      = errors.New("no execution context")
)

// BudgetExceededError reports a spend that would push used past max on the
// spending context or one of its ancestors.
type BudgetExceededError struct {
	// Dimension is "usd" or "tokens".
	Dimension string
	// SpanID identifies the context whose ceiling would be crossed.
	SpanID    string
	Limit     float64
	Used      float64
	Requested float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf(
		"budget exceeded: %s spend %g would exceed ceiling %g (used %g) on span %s",
		e.Dimension, e.Requested, e.Limit, e.Used, e.SpanID,
	)
}

func (e *BudgetExceededError) Is(target error) bool {
	return target == ErrBudgetExceeded
}
