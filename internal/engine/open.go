package engine

import (
	"context"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/store"
)

// OpenSession finds or creates an open session for a channel. Callers
// that already know their session key get it back (or a fresh 404-style
// error if it belongs to a different channel); callers identified by a
// handle (table number, cart cookie, ...) are handed back whatever
// session is already open for that handle, or a new one otherwise.
// created reports which of those happened, so the HTTP surface can pick
// 200 vs. 201.
func (e *Engine) OpenSession(ctx context.Context, channelCode, sessionKey, handleType, handleRef string) (sess *domain.Session, created bool, err error) {
	err = e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		channel, cerr := tx.GetChannelByCode(ctx, channelCode)
		if cerr != nil {
			return omnierr.Session("not_found", "channel not found").WithContext("channel_code", channelCode)
		}

		if sessionKey != "" {
			existing, lerr := tx.GetSessionForUpdate(ctx, channel.ID, sessionKey)
			if lerr == nil {
				sess = existing
				created = false
				return nil
			}
			if lerr != store.ErrNotFound {
				return lerr
			}
			sess = e.newSession(channel, sessionKey, handleType, handleRef)
			created = true
			return tx.CreateSession(ctx, sess)
		}

		if handleType != "" && handleRef != "" {
			existing, lerr := tx.GetOpenSessionForHandle(ctx, channel.ID, handleType, handleRef)
			if lerr == nil {
				sess = existing
				created = false
				return nil
			}
			if lerr != store.ErrNotFound {
				return lerr
			}
		}

		sess = e.newSession(channel, newSessionKey(), handleType, handleRef)
		created = true
		return tx.CreateSession(ctx, sess)
	})
	if err != nil {
		return nil, false, err
	}
	return sess, created, nil
}

func (e *Engine) newSession(channel *domain.Channel, sessionKey, handleType, handleRef string) *domain.Session {
	now := e.now()
	return &domain.Session{
		SessionKey:    sessionKey,
		ChannelID:     channel.ID,
		ChannelCode:   channel.Code,
		HandleType:    handleType,
		HandleRef:     handleRef,
		State:         domain.SessionOpen,
		PricingPolicy: channel.PricingPolicy,
		EditPolicy:    channel.EditPolicy,
		Rev:           0,
		Items:         []domain.SessionItem{},
		Pricing:       domain.Pricing{},
		PricingTrace:  []domain.PricingTraceEntry{},
		Data:          domain.NewSessionData(),
		OpenedAt:      now,
		UpdatedAt:     now,
	}
}
