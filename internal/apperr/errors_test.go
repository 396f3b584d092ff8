package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestExitCodes(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Internal, 1},
		{InvalidArgs, 2},
		{Auth, 3},
		{NotFound, 4},
		{RateLimited, 5},
		{Network, 6},
		{ProviderUnavailable, 6},
		{Database, 7},
		{Validation, 8},
		{Cancelled, 9},
		{Timeout, 10},
		{Config, 11},
		{Permission, 13},
		{ConflictingState, 1},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	leaf := New(RateLimited, "esplora throttled")
	wrapped := fmt.Errorf("fetch page 3: %w", leaf)
	twice := fmt.Errorf("import bitcoin: %w", wrapped)

	if KindOf(twice) != RateLimited {
		t.Errorf("KindOf lost the kind through wrapping: got %v", KindOf(twice))
	}
	if !IsKind(twice, RateLimited) {
		t.Error("IsKind failed to find RateLimited on the chain")
	}
	if IsKind(twice, Database) {
		t.Error("IsKind reported a kind not on the chain")
	}
}

func TestContextErrorsClassify(t *testing.T) {
	if KindOf(context.Canceled) != Cancelled {
		t.Error("context.Canceled should classify as Cancelled")
	}
	if KindOf(context.DeadlineExceeded) != Timeout {
		t.Error("context.DeadlineExceeded should classify as Timeout")
	}
	if KindOf(errors.New("plain")) != Internal {
		t.Error("unclassified errors should default to Internal")
	}
}

func TestHintPropagates(t *testing.T) {
	err := New(Validation, "3 movements unpriced").WithHint("exitbook prices view --missing-only")
	wrapped := fmt.Errorf("enrich: %w", err)
	if HintOf(wrapped) != "exitbook prices view --missing-only" {
		t.Errorf("hint lost: %q", HintOf(wrapped))
	}
}
