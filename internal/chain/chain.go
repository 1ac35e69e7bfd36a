// Package chain holds the pure ordering rules for an approval's step chain.
// No I/O happens here; the engine feeds it steps loaded inside its own
// transaction.
package chain

import (
	"errors"
	"fmt"

	"signoff/internal/domain"
)

// ErrInvalidChain indicates the step orders do not form a dense 1..N
// sequence.
var ErrInvalidChain = errors.New("invalid step chain")

// ValidateOrdering checks that step orders are exactly 1..N with no gaps or
// duplicates.
func ValidateOrdering(steps []domain.ApprovalStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: at least one step required", ErrInvalidChain)
	}
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepOrder < 1 || s.StepOrder > len(steps) {
			return fmt.Errorf("%w: step order %d outside 1..%d", ErrInvalidChain, s.StepOrder, len(steps))
		}
		if seen[s.StepOrder] {
			return fmt.Errorf("%w: duplicate step order %d", ErrInvalidChain, s.StepOrder)
		}
		seen[s.StepOrder] = true
	}
	return nil
}

// First returns the step with order 1.
func First(steps []domain.ApprovalStep) (domain.ApprovalStep, bool) {
	for _, s := range steps {
		if s.StepOrder == 1 {
			return s, true
		}
	}
	return domain.ApprovalStep{}, false
}

// Next returns the step with the smallest order greater than currentOrder,
// or false if currentOrder was the last.
func Next(steps []domain.ApprovalStep, currentOrder int) (domain.ApprovalStep, bool) {
	var next domain.ApprovalStep
	found := false
	for _, s := range steps {
		if s.StepOrder <= currentOrder {
			continue
		}
		if !found || s.StepOrder < next.StepOrder {
			next = s
			found = true
		}
	}
	return next, found
}

// IsFinal reports whether no step has a greater order than the given one.
func IsFinal(steps []domain.ApprovalStep, step domain.ApprovalStep) bool {
	for _, s := range steps {
		if s.StepOrder > step.StepOrder {
			return false
		}
	}
	return true
}
