package httpapi

import (
	"context"
	"net/http"
	"testing"

	"athens-ptw.org/internal/event"
)

func TestNotificationEndpoints(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := ta.notes.Add(ctx, &event.Notification{
			TenantID: "t1", UserID: "u-creator", Event: "permit.approved", PermitID: "p1",
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	// another user's notification stays invisible
	if err := ta.notes.Add(ctx, &event.Notification{
		TenantID: "t1", UserID: "u-verifier", Event: "permit.approved", PermitID: "p1",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, body := ta.request(t, http.MethodGet, "/v1/notifications?unread=1", creator, nil)
	items, _ := body["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 2 {
		t.Fatalf("list = %d items=%d", resp.StatusCode, len(items))
	}
	first, _ := items[0].(map[string]any)
	id, _ := first["id"].(string)

	resp, _ = ta.request(t, http.MethodPost, "/v1/notifications/"+id+"/read", creator, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read = %d", resp.StatusCode)
	}
	resp, body = ta.request(t, http.MethodGet, "/v1/notifications?unread=1", creator, nil)
	items, _ = body["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("unread after mark = %d", len(items))
	}

	resp, _ = ta.request(t, http.MethodPost, "/v1/notifications/read-all", creator, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read all = %d", resp.StatusCode)
	}
	resp, body = ta.request(t, http.MethodGet, "/v1/notifications?unread=1", creator, nil)
	items, _ = body["items"].([]any)
	if len(items) != 0 {
		t.Fatalf("unread after read-all = %d", len(items))
	}

	resp, _ = ta.request(t, http.MethodGet, "/v1/notifications?limit=0", creator, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", resp.StatusCode)
	}
}

func TestWebhookEndpoints(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)

	resp, body := ta.request(t, http.MethodPost, "/v1/webhooks", creator, map[string]any{
		"url": "ftp://hooks.example/x",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad scheme = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodPost, "/v1/webhooks", creator, map[string]any{
		"url":    "https://hooks.example/x",
		"events": []string{"permit.approved"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d %v", resp.StatusCode, body)
	}
	// a generated secret is revealed exactly once, at registration
	secret, _ := body["secret"].(string)
	if secret == "" {
		t.Fatal("generated secret not returned")
	}
	sub, _ := body["subscription"].(map[string]any)
	id, _ := sub["id"].(string)
	if id == "" {
		t.Fatalf("subscription = %v", body)
	}

	resp, body = ta.request(t, http.MethodGet, "/v1/webhooks", creator, nil)
	items, _ := body["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("list = %d items=%d", resp.StatusCode, len(items))
	}

	resp, body = ta.request(t, http.MethodGet, "/v1/webhooks/"+id+"/deliveries", creator, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deliveries = %d %v", resp.StatusCode, body)
	}
	resp, _ = ta.request(t, http.MethodGet, "/v1/webhooks/missing/deliveries", creator, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deliveries for unknown = %d", resp.StatusCode)
	}

	resp, _ = ta.request(t, http.MethodDelete, "/v1/webhooks/"+id, creator, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}
	resp, _ = ta.request(t, http.MethodDelete, "/v1/webhooks/"+id, creator, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double delete = %d", resp.StatusCode)
	}
}
