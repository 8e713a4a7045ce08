package statemachine

import (
	"context"
	"testing"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/store"
	"github.com/omniman/kernel/internal/store/memory"
	"github.com/stretchr/testify/require"
)

func seedOrder(t *testing.T, st *memory.Store, channel domain.Channel, status domain.OrderStatus) *domain.Order {
	t.Helper()
	if channel.ID == "" {
		channel.ID = "chan-" + channel.Code
	}
	st.SeedChannel(channel)
	var order *domain.Order
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		o := &domain.Order{Ref: "ORD-20260802-AAAAAAAA", ChannelID: channel.ID, Status: status, CreatedAt: time.Now()}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}
		order = o
		return nil
	})
	require.NoError(t, err)
	return order
}

func TestTransition_DefaultGraph(t *testing.T) {
	st := memory.New()
	channel := domain.Channel{Code: "shop"}
	seedOrder(t, st, channel, domain.StatusNew)

	m := New(st, nil)
	now := time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }

	_, err := m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusConfirmed, "agent")
	require.NoError(t, err)

	order, err := st.GetOrderByRef(context.Background(), "ORD-20260802-AAAAAAAA")
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, order.Status)
	require.NotNil(t, order.Timestamps.ConfirmedAt)
	require.True(t, order.Timestamps.ConfirmedAt.Equal(now))
}

func TestTransition_InvalidTransition(t *testing.T) {
	st := memory.New()
	channel := domain.Channel{Code: "shop"}
	seedOrder(t, st, channel, domain.StatusNew)

	m := New(st, nil)
	_, err := m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusDelivered, "agent")
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	require.Equal(t, "invalid_transition", e.Code)
}

func TestTransition_TerminalStatus(t *testing.T) {
	st := memory.New()
	channel := domain.Channel{Code: "shop"}
	seedOrder(t, st, channel, domain.StatusCompleted)

	m := New(st, nil)
	_, err := m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusReturned, "agent")
	require.Error(t, err)
	e, ok := omnierr.As(err)
	require.True(t, ok)
	require.Equal(t, "terminal_status", e.Code)
}

func TestTransition_NeverOverwritesExistingTimestamp(t *testing.T) {
	st := memory.New()
	channel := domain.Channel{Code: "shop"}
	seedOrder(t, st, channel, domain.StatusConfirmed)

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	order, err := st.GetOrderByRef(context.Background(), "ORD-20260802-AAAAAAAA")
	require.NoError(t, err)
	order.Timestamps.ConfirmedAt = &first
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SaveOrder(ctx, order)
	}))

	m := New(st, nil)
	later := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return later }
	_, err = m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusProcessing, "agent")
	require.NoError(t, err)

	order, err = st.GetOrderByRef(context.Background(), "ORD-20260802-AAAAAAAA")
	require.NoError(t, err)
	require.True(t, order.Timestamps.ConfirmedAt.Equal(first))
	require.NotNil(t, order.Timestamps.ProcessingAt)
}

func TestTransition_ChannelOverride(t *testing.T) {
	st := memory.New()
	channel := domain.Channel{
		Code: "custom",
		Config: domain.ChannelConfig{
			OrderFlow: &domain.OrderFlowConfig{
				Transitions: map[domain.OrderStatus][]domain.OrderStatus{
					domain.StatusNew:        {domain.StatusProcessing},
					domain.StatusProcessing: {domain.StatusCompleted},
				},
				TerminalStatuses: []domain.OrderStatus{domain.StatusCompleted},
			},
		},
	}
	seedOrder(t, st, channel, domain.StatusNew)

	m := New(st, nil)
	_, err := m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusConfirmed, "agent")
	require.Error(t, err)
	e, _ := omnierr.As(err)
	require.Equal(t, "invalid_transition", e.Code)

	_, err = m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusProcessing, "agent")
	require.NoError(t, err)
	_, err = m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusCompleted, "agent")
	require.NoError(t, err)
	_, err = m.Transition(context.Background(), "ORD-20260802-AAAAAAAA", domain.StatusReturned, "agent")
	require.Error(t, err)
	e, _ = omnierr.As(err)
	require.Equal(t, "terminal_status", e.Code)
}
