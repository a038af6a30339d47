package errs_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lvonguyen/cost-optimizer/internal/errs"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"nil", nil, ""},
		{"validation", &errs.ValidationError{Field: "cost", Message: "missing"}, errs.KindValidation},
		{"wrapped quality", fmt.Errorf("record 3: %w", &errs.DataQualityError{Field: "cost", Reason: "negative"}), errs.KindDataQuality},
		{"insufficient", &errs.InsufficientDataError{Have: 10, Need: 90}, errs.KindInsufficientData},
		{"invalid state", &errs.InvalidStateError{ID: "rec_1", From: "applied", Action: "apply"}, errs.KindInvalidState},
		{"timeout", &errs.TimeoutError{Op: "forecast"}, errs.KindTimeout},
		{"conflict", &errs.ConcurrencyConflict{ID: "rec_1", Expected: "pending"}, errs.KindConflict},
		{"not found", fmt.Errorf("failed to get: %w", errs.ErrNotFound), errs.KindNotFound},
		{"canceled", context.Canceled, errs.KindCanceled},
		{"deadline", context.DeadlineExceeded, errs.KindTimeout},
		{"other", fmt.Errorf("boom"), errs.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.KindOf(tt.err))
		})
	}
}

func TestCounts(t *testing.T) {
	c := errs.Counts{}
	c.Add(nil)
	c.Add(&errs.ValidationError{Field: "timestamp"})
	c.Add(&errs.ValidationError{Field: "cost"})
	c.Add(&errs.DataQualityError{Field: "currency"})

	other := errs.Counts{errs.KindTimeout: 2}
	c.Merge(other)

	assert.Equal(t, 2, c[errs.KindValidation])
	assert.Equal(t, 1, c[errs.KindDataQuality])
	assert.Equal(t, 2, c[errs.KindTimeout])
	assert.Equal(t, 5, c.Total())
}
