package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientFundsCarriesAmounts(t *testing.T) {
	err := InsufficientFunds(decimal.RequireFromString("10"), decimal.RequireFromString("7.5"), "TON")

	assert.True(t, IsInsufficientFunds(err))
	assert.False(t, IsValidation(err))
	assert.Equal(t, "10", err.Details["required"])
	assert.Equal(t, "7.5", err.Details["available"])
	assert.Contains(t, err.Error(), "required 10 TON")
}

func TestCategorySurvivesWrapping(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := fmt.Errorf("approve withdrawal: %w", Uncertain("transfer may have been sent", cause))

	assert.True(t, IsUncertain(err))
	assert.ErrorIs(t, err, cause)

	e, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, "UNCERTAIN_OUTCOME", e.Code)
}

func TestInvalidStateMessage(t *testing.T) {
	err := InvalidState("transaction", "completed", "dispute")
	assert.Equal(t, "cannot dispute transaction in status completed", err.Error())
	assert.True(t, IsInvalidState(err))
}

func TestKindOf(t *testing.T) {
	assert.Nil(t, KindOf(nil))
	assert.Equal(t, ErrInternal, KindOf(errors.New("boom")))
	assert.Equal(t, ErrNotFound, KindOf(fmt.Errorf("load: %w", NotFound("withdrawal"))))
	assert.True(t, IsKind(Conflict("deposit"), ErrConflict))
	assert.False(t, IsKind(nil, ErrInternal))
}
