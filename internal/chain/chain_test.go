package chain_test

import (
	"errors"
	"testing"

	"signoff/internal/chain"
	"signoff/internal/domain"
)

func mkSteps(orders ...int) []domain.ApprovalStep {
	steps := make([]domain.ApprovalStep, 0, len(orders))
	for i, o := range orders {
		steps = append(steps, domain.ApprovalStep{ID: int64(100 + i), StepOrder: o})
	}
	return steps
}

func TestValidateOrdering(t *testing.T) {
	cases := []struct {
		name   string
		orders []int
		ok     bool
	}{
		{"single step", []int{1}, true},
		{"dense unordered input", []int{3, 1, 2}, true},
		{"empty", nil, false},
		{"gap", []int{1, 3}, false},
		{"duplicate", []int{1, 2, 2}, false},
		{"zero based", []int{0, 1}, false},
		{"negative", []int{-1, 1}, false},
	}
	for _, tc := range cases {
		err := chain.ValidateOrdering(mkSteps(tc.orders...))
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("%s: expected error", tc.name)
			} else if !errors.Is(err, chain.ErrInvalidChain) {
				t.Errorf("%s: expected ErrInvalidChain, got %v", tc.name, err)
			}
		}
	}
}

func TestNext(t *testing.T) {
	steps := mkSteps(2, 1, 3)
	next, ok := chain.Next(steps, 1)
	if !ok || next.StepOrder != 2 {
		t.Fatalf("expected step 2 after 1, got %+v ok=%v", next, ok)
	}
	next, ok = chain.Next(steps, 2)
	if !ok || next.StepOrder != 3 {
		t.Fatalf("expected step 3 after 2, got %+v ok=%v", next, ok)
	}
	if _, ok := chain.Next(steps, 3); ok {
		t.Fatalf("expected no step after last")
	}
}

func TestFirstAndIsFinal(t *testing.T) {
	steps := mkSteps(3, 1, 2)
	first, ok := chain.First(steps)
	if !ok || first.StepOrder != 1 {
		t.Fatalf("expected first step order 1, got %+v ok=%v", first, ok)
	}
	for _, s := range steps {
		final := chain.IsFinal(steps, s)
		if s.StepOrder == 3 && !final {
			t.Errorf("step %d should be final", s.StepOrder)
		}
		if s.StepOrder != 3 && final {
			t.Errorf("step %d should not be final", s.StepOrder)
		}
	}
	single := mkSteps(1)
	if !chain.IsFinal(single, single[0]) {
		t.Fatalf("sole step must be final")
	}
}
