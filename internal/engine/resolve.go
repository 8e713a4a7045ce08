package engine

import (
	"context"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
	"github.com/omniman/kernel/internal/store"
)

// Resolve applies a named remediation action from a named issue. The
// session row is locked for the whole resolver dispatch — the resolver
// runs inside this transaction, so a concurrent modify cannot slip
// between the action's staleness check and the op replay. Any
// session/validation error the resolver raises is re-homed under the
// Resolve family so callers can always tell the top-level engine that
// failed.
func (e *Engine) Resolve(ctx context.Context, channelCode, sessionKey, issueID, actionID string) (*domain.Session, error) {
	start := time.Now()
	var result *domain.Session
	var enqueued []string
	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		channel, err := tx.GetChannelByCode(ctx, channelCode)
		if err != nil {
			return omnierr.Resolve("session_not_found", "channel not found").WithContext("channel_code", channelCode)
		}
		sess, err := tx.GetSessionForUpdate(ctx, channel.ID, sessionKey)
		if err != nil {
			return omnierr.Resolve("session_not_found", "session not found").WithContext("session_key", sessionKey)
		}

		issue := sess.IssueByID(issueID)
		if issue == nil {
			return omnierr.Resolve("issue_not_found", "no such issue").WithContext("issue_id", issueID)
		}

		resolver, ok := e.Registry.IssueResolver(issue.Source)
		if !ok {
			return omnierr.Resolve("no_resolver", "no resolver registered for issue source").WithContext("source", issue.Source)
		}

		resolved, rerr := resolver.Resolve(ctx, tx, channel, sess, issue, actionID)
		if rerr != nil {
			if _, ok := omnierr.As(rerr); ok {
				return omnierr.IssueResolveError(rerr)
			}
			return omnierr.Resolve("resolver_error", rerr.Error())
		}
		result = resolved

		// The standard resolvers route through applyModify, which
		// re-enqueues every required check for the session's new rev.
		for _, code := range channel.Config.RequiredChecksOnCommit {
			enqueued = append(enqueued, channel.Config.DirectiveTopicFor(code))
		}
		return nil
	})
	var rev int64
	if result != nil {
		rev = result.Rev
	}
	e.Log.LogEngineCall(ctx, "resolve", channelCode, sessionKey, rev, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	e.notifyEnqueued(enqueued)
	return result, nil
}

// StockResolver is the standard resolver for issues with source
// "stock": it validates the chosen action against the session's current
// rev and replays its ops through the modify pipeline, all inside the
// resolve engine's transaction.
type StockResolver struct {
	Engine *Engine
}

func (r *StockResolver) Source() string { return "stock" }

func (r *StockResolver) Resolve(ctx context.Context, tx store.Tx, channel *domain.Channel, sess *domain.Session, issue *domain.Issue, actionID string) (*domain.Session, error) {
	var action *domain.Action
	for i := range issue.Actions {
		if issue.Actions[i].ID == actionID {
			action = &issue.Actions[i]
			break
		}
	}
	if action == nil {
		return nil, omnierr.Resolve("action_not_found", "no such action").WithContext("action_id", actionID)
	}
	if action.Rev != sess.Rev {
		return nil, omnierr.Resolve("stale_action", "action was computed against a stale revision").WithContext("action_id", actionID)
	}
	if len(action.Ops) == 0 {
		return nil, omnierr.Resolve("no_ops", "action carries no ops")
	}

	if err := refuseIfNotModifiable(channel, sess); err != nil {
		return nil, err
	}
	if _, err := r.Engine.applyModify(ctx, tx, channel, sess, action.Ops); err != nil {
		return nil, err
	}
	return sess, nil
}
