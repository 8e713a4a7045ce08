// Package statemachine implements the order state machine:
// a per-channel configurable transition graph over Order.Status, with
// lifecycle timestamps and an append-only audit log. transition_status
// is the only write path that may change an order's status; any other
// attempt must be refused with the same error this package raises.
package statemachine

import (
	"context"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/store"
	"github.com/sirupsen/logrus"
)

// DefaultTransitions is the kernel's built-in transition graph, used by
// any channel whose config does not declare its own order_flow.
var DefaultTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusNew:        {domain.StatusConfirmed, domain.StatusCancelled},
	domain.StatusConfirmed:  {domain.StatusProcessing, domain.StatusReady, domain.StatusCancelled},
	domain.StatusProcessing: {domain.StatusReady, domain.StatusCancelled},
	domain.StatusReady:      {domain.StatusDispatched, domain.StatusCompleted},
	domain.StatusDispatched: {domain.StatusDelivered, domain.StatusReturned},
	domain.StatusDelivered:  {domain.StatusCompleted, domain.StatusReturned},
	domain.StatusCompleted:  {},
	domain.StatusCancelled:  {},
	domain.StatusReturned:   {domain.StatusCompleted},
}

// DefaultTerminal is the kernel's built-in terminal set.
var DefaultTerminal = map[domain.OrderStatus]bool{
	domain.StatusCompleted: true,
	domain.StatusCancelled: true,
}

// graphFor resolves the transition graph and terminal set a channel's
// order_flow config applies, falling back to the kernel defaults when
// the channel declares none.
func graphFor(channel *domain.Channel) (map[domain.OrderStatus][]domain.OrderStatus, map[domain.OrderStatus]bool) {
	flow := channel.Config.OrderFlow
	if flow == nil || flow.Transitions == nil {
		return DefaultTransitions, DefaultTerminal
	}
	terminal := map[domain.OrderStatus]bool{}
	for _, s := range flow.TerminalStatuses {
		terminal[s] = true
	}
	return flow.Transitions, terminal
}

// Clock lets tests pin "now"; production wiring passes time.Now.
type Clock func() time.Time

// Machine wraps the store dependency the state machine needs to load a
// channel's order-flow config, row-lock the order, and append events.
type Machine struct {
	Store store.Store
	Log   *logrus.Entry
	Now   Clock
}

// New wires a Machine with sane defaults.
func New(st store.Store, log *logrus.Entry) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Machine{Store: st, Log: log, Now: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition moves orderRef to newStatus under a row lock on the order,
// following the channel's configured (or default) transition graph.
// Fails terminal_status if the order's current status accepts no
// outgoing transitions, or invalid_transition if newStatus is not in
// the set reachable from the current status.
func (m *Machine) Transition(ctx context.Context, orderRef string, newStatus domain.OrderStatus, actor string) (*domain.Order, error) {
	// Channels are listed before the transaction opens: Store reads are
	// not part of tx, and the in-memory store holds its lock for the
	// whole of WithTx.
	channels, err := m.Store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	var result *domain.Order
	err = m.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.GetOrderByRefForUpdate(ctx, orderRef)
		if err != nil {
			return omnierr.Transition("not_found", "order not found").WithContext("order_ref", orderRef)
		}
		channel, err := channelForOrder(channels, order)
		if err != nil {
			return err
		}

		transitions, terminal := graphFor(channel)
		if terminal[order.Status] {
			return omnierr.Transition("terminal_status", "order has reached a terminal status").
				WithContext("order_ref", orderRef).WithContext("status", string(order.Status))
		}

		allowed := false
		for _, s := range transitions[order.Status] {
			if s == newStatus {
				allowed = true
				break
			}
		}
		if !allowed {
			return omnierr.Transition("invalid_transition", "transition is not permitted from the current status").
				WithContext("from", string(order.Status)).WithContext("to", string(newStatus))
		}

		oldStatus := order.Status
		order.Status = newStatus
		if slot := order.Timestamps.Get(newStatus); slot != nil && *slot == nil {
			now := m.now()
			*slot = &now
		}
		if err := tx.SaveOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.CreateOrderEvent(ctx, &domain.OrderEvent{
			OrderID: order.ID,
			Type:    "status_changed",
			Actor:   actor,
			Payload: map[string]interface{}{
				"old_status": string(oldStatus),
				"new_status": string(newStatus),
			},
			CreatedAt: m.now(),
		}); err != nil {
			return err
		}

		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Log.WithFields(map[string]interface{}{
		"order_ref": result.Ref,
		"status":    string(result.Status),
	}).Info("order transitioned")
	return result, nil
}

func channelForOrder(channels []domain.Channel, order *domain.Order) (*domain.Channel, error) {
	for i := range channels {
		if channels[i].ID == order.ChannelID {
			return &channels[i], nil
		}
	}
	return nil, omnierr.Transition("not_found", "order's channel not found").WithContext("channel_id", order.ChannelID)
}
