package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omniman/kernel/internal/domain"
	"github.com/omniman/kernel/internal/omnierr"
)

func (h *handlers) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.d.Store.ListChannels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

func (h *handlers) getChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.d.Store.GetChannelByCode(r.Context(), id)
	if err != nil {
		writeError(w, omnierr.Session("not_found", "channel not found").WithContext("channel_code", id))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	channelCode := queryString(r, "channel_code", "")
	sessions, err := h.d.Store.ListSessions(r.Context(), channelCode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	sess, err := h.d.Store.GetSessionByKey(r.Context(), key)
	if err != nil {
		writeError(w, omnierr.Session("not_found", "session not found").WithContext("session_key", key))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type openSessionRequest struct {
	ChannelCode string `json:"channel_code"`
	SessionKey  string `json:"session_key,omitempty"`
	HandleType  string `json:"handle_type,omitempty"`
	HandleRef   string `json:"handle_ref,omitempty"`
}

func (h *handlers) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChannelCode == "" {
		writeError(w, omnierr.Validation("missing_channel_code", "channel_code is required"))
		return
	}

	sess, created, err := h.d.Engine.OpenSession(r.Context(), req.ChannelCode, req.SessionKey, req.HandleType, req.HandleRef)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, sess)
}

type modifySessionRequest struct {
	ChannelCode string            `json:"channel_code"`
	Ops         []domain.ModifyOp `json:"ops"`
}

func (h *handlers) modifySession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req modifySessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChannelCode == "" {
		writeError(w, omnierr.Validation("missing_channel_code", "channel_code is required"))
		return
	}

	sess, err := h.d.Engine.ModifySession(r.Context(), req.ChannelCode, key, req.Ops)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type resolveSessionRequest struct {
	ChannelCode string `json:"channel_code"`
	IssueID     string `json:"issue_id"`
	ActionID    string `json:"action_id"`
}

func (h *handlers) resolveSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req resolveSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ChannelCode == "" {
		writeError(w, omnierr.Validation("missing_channel_code", "channel_code is required"))
		return
	}

	sess, err := h.d.Engine.Resolve(r.Context(), req.ChannelCode, key, req.IssueID, req.ActionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type commitSessionRequest struct {
	ChannelCode    string `json:"channel_code"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (h *handlers) commitSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req commitSessionRequest
	if !decodeJSONOptional(w, r, &req) {
		return
	}
	if req.ChannelCode == "" {
		writeError(w, omnierr.Validation("missing_channel_code", "channel_code is required"))
		return
	}

	result, err := h.d.Engine.Commit(r.Context(), req.ChannelCode, key, req.IdempotencyKey, h.d.Refs)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Status == "already_committed" {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (h *handlers) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.d.Store.ListOrders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *handlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	o, err := h.d.Store.GetOrderByRef(r.Context(), ref)
	if err != nil {
		writeError(w, omnierr.Session("not_found", "order not found").WithContext("ref", ref))
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handlers) listDirectives(w http.ResponseWriter, r *http.Request) {
	directives, err := h.d.Store.ListDirectives(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, directives)
}
