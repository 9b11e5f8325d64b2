package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"crypto-automation-system/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWaitForFill(t *testing.T) {
	cases := []struct {
		name     string
		statuses []model.OrderStatus
		want     bool
		polls    int
		sleeps   int
	}{
		{"closed immediately", []model.OrderStatus{model.StatusClosed}, true, 1, 0},
		{"closed after one wait", []model.OrderStatus{model.StatusOpen, model.StatusClosed}, true, 2, 1},
		{"canceled", []model.OrderStatus{model.StatusOpen, model.StatusCanceled}, false, 2, 1},
		{"still open", []model.OrderStatus{model.StatusOpen, model.StatusOpen, model.StatusOpen}, false, 3, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ex := newFakeExchange()
			ex.statuses = tc.statuses
			e, rec := newTestEngine(t, ex)

			filled, err := e.WaitForFill(context.Background(), "o1", time.Second, 3)
			require.NoError(t, err)
			assert.Equal(t, tc.want, filled)
			assert.Equal(t, tc.polls, ex.calls["status"])
			assert.Len(t, rec.slept, tc.sleeps)
		})
	}
}

func TestWaitForFillStatusError(t *testing.T) {
	ex := newFakeExchange()
	cause := errors.New("exchange down")
	ex.statusErr = cause
	e, _ := newTestEngine(t, ex)

	_, err := e.WaitForFill(context.Background(), "o7", time.Second, 3)
	var fe *OrderFillError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "o7", fe.OrderID)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, ex.calls["status"])
}

func TestWaitForFillContextCanceled(t *testing.T) {
	ex := newFakeExchange()
	ex.statuses = []model.OrderStatus{model.StatusOpen, model.StatusOpen}
	e := NewEngine(ex, testBook(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.WaitForFill(ctx, "o1", time.Hour, 2)
	assert.ErrorIs(t, err, context.Canceled)
}
