package engine

import (
	"context"
	"time"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/store"
)

// ApplyCheckResult is the stale-safe reverse channel by which an async
// worker annotates an open session with a computed check result and its
// issues. It returns false (with no error) whenever the write would be
// unsafe to apply: session missing, rev mismatch, or the session is no
// longer open. Callers decide whether a false return is fatal to their
// directive.
func (e *Engine) ApplyCheckResult(ctx context.Context, channelCode, sessionKey string, expectedRev int64, checkCode string, result map[string]interface{}, issues []domain.Issue) (bool, error) {
	start := time.Now()
	var applied bool
	err := e.Store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		channel, err := tx.GetChannelByCode(ctx, channelCode)
		if err != nil {
			return nil
		}
		sess, err := tx.GetSessionForUpdate(ctx, channel.ID, sessionKey)
		if err != nil {
			return nil
		}
		if sess.Rev != expectedRev {
			return nil
		}
		if sess.State != domain.SessionOpen {
			return nil
		}

		if sess.Data.Checks == nil {
			sess.Data = domain.NewSessionData()
		}
		sess.Data.Checks[checkCode] = domain.CheckRecord{
			Rev:    sess.Rev,
			At:     e.now(),
			Result: result,
		}

		kept := sess.Data.Issues[:0:0]
		for _, iss := range sess.Data.Issues {
			if iss.Source != checkCode {
				kept = append(kept, iss)
			}
		}
		kept = append(kept, issues...)
		sess.Data.Issues = kept
		sess.UpdatedAt = e.now()

		if err := tx.SaveSession(ctx, sess); err != nil {
			return err
		}
		applied = true
		return nil
	})
	e.Log.LogEngineCall(ctx, "check_writeback", channelCode, sessionKey, expectedRev, time.Since(start), err)
	if err != nil {
		return false, err
	}
	return applied, nil
}
