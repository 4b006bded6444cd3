package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"athens-ptw.org/internal/event"
	"athens-ptw.org/internal/obs"
)

func (a *API) listNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "1" || r.URL.Query().Get("unread") == "true"
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			badRequest(w, r, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	items, err := a.notifications.List(r.Context(), p.TenantID, p.UserID, unreadOnly, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) markNotificationRead(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.notifications.MarkRead(r.Context(), p.TenantID, p.UserID, r.PathValue("id")); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) markAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.notifications.MarkAllRead(r.Context(), p.TenantID, p.UserID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// streamNotifications upgrades to a websocket and forwards the tenant's live
// events until the client goes away.
func (a *API) streamNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if a.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, errorBody{Code: "STREAM_UNAVAILABLE", Message: "event stream is not configured"})
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin policy handled by CORS above
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := r.Context()
	events, cancel := a.broker.Subscribe(ctx, p.TenantID)
	defer cancel()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

func (a *API) createWebhook(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		badRequest(w, r, "url must be an http(s) endpoint")
		return
	}
	secret := req.Secret
	generated := false
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			handleDomainError(w, r, err)
			return
		}
		secret = hex.EncodeToString(buf)
		generated = true
	}
	sub := &event.Subscription{
		TenantID: p.TenantID,
		URL:      req.URL,
		Secret:   secret,
		Events:   req.Events,
	}
	if err := a.subscriptions.Add(r.Context(), sub); err != nil {
		handleDomainError(w, r, err)
		return
	}
	obs.Info("webhook registered", map[string]any{"tenant": p.TenantID, "subscription": sub.ID})

	resp := map[string]any{"subscription": sub}
	if generated {
		// the secret is only revealed once, at registration
		resp["secret"] = secret
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) listWebhooks(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	subs, err := a.subscriptions.List(r.Context(), p.TenantID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": subs})
}

func (a *API) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	if err := a.subscriptions.Delete(r.Context(), p.TenantID, r.PathValue("id")); err != nil {
		writeError(w, r, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "webhook not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, err := a.subscriptions.Get(r.Context(), p.TenantID, id); err != nil {
		writeError(w, r, http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "webhook not found"})
		return
	}
	deliveries, err := a.deliveries.BySubscription(r.Context(), id, 100)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": deliveries})
}
