package failure

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RendersTemplate(t *testing.T) {
	err := New(MinAmountNotMet, map[string]any{"minRequired": int64(20000), "current": int64(15000)})

	assert.Equal(t, MinAmountNotMet, err.Code)
	assert.Equal(t, "The minimum purchase amount is 20000", err.Message)
	assert.Equal(t, int64(20000), err.Details["minRequired"])
}

func TestNew_NilDetails(t *testing.T) {
	err := New(NotFound, nil)

	assert.Equal(t, "Coupon not found", err.Message)
	assert.NotNil(t, err.Details)
}

func TestError_IsMatchesCode(t *testing.T) {
	wrapped := errors.Wrap(New(InsufficientPoints, nil), "redeem")

	assert.ErrorIs(t, wrapped, New(InsufficientPoints, nil))
	assert.NotErrorIs(t, wrapped, New(BelowMinRedeem, nil))
	assert.True(t, HasCode(wrapped, InsufficientPoints))

	fe, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, InsufficientPoints, fe.Code)
}

func TestHasCode_PlainError(t *testing.T) {
	assert.False(t, HasCode(errors.New("connection refused"), NotFound))
}
