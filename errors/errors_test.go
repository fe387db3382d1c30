package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryError_Error(t *testing.T) {
	err := NewPlanningError("plan", "column \"x\" does not exist")
	assert.Equal(t, "PlanningError: plan: column \"x\" does not exist", err.Error())

	v := NewValidationError("dangerous_pattern", "comment sequence")
	assert.Contains(t, v.Error(), "stage dangerous_pattern")
}

func TestWrapKeepsKind(t *testing.T) {
	inner := NewDivisionByZero("eval")
	wrapped := Wrap(fmt.Errorf("filter: %w", inner), KindUnknown, ErrCodeUnknown, "execute")
	assert.True(t, IsExecutionError(wrapped))
	assert.Equal(t, ErrCodeDivisionByZero, wrapped.Code)
	assert.True(t, errors.Is(wrapped, inner))
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := FromContext(ctx.Err(), "scan")
	assert.True(t, IsCancelledError(err))
	assert.Equal(t, ErrCodeCancelled, err.Code)

	assert.Nil(t, FromContext(errors.New("boom"), "scan"))
	assert.True(t, IsCancelledError(FromContext(context.DeadlineExceeded, "scan")))
}

func TestMarkPartial(t *testing.T) {
	err := MarkPartial(NewExecutionError("execute", "boom"))
	var qe *QueryError
	assert.True(t, errors.As(err, &qe))
	assert.True(t, qe.Partial)

	plain := MarkPartial(errors.New("storage gone"))
	assert.True(t, IsExecutionError(plain))
}

func TestKindPredicates(t *testing.T) {
	assert.True(t, IsSyntaxError(NewSyntaxError("parse", "bad")))
	assert.True(t, IsResourceError(NewResourceError("sort", "budget")))
	assert.False(t, IsResourceError(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("x")))
}
