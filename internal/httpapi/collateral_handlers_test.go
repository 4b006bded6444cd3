package httpapi

import (
	"net/http"
	"testing"
	"time"
)

func TestGasReadingEndpoints(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)
	id := ta.createPermit(t, creator)

	resp, body := ta.request(t, http.MethodPost, "/v1/permits/"+id+"/gas-readings", creator, map[string]any{
		"gas_type": "O2",
		"reading":  20.9,
		"unit":     "%",
		"status":   "safe",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add reading = %d %v", resp.StatusCode, body)
	}
	if body["tested_by"] != "u-creator" {
		t.Fatalf("tested_by = %v", body["tested_by"])
	}

	resp, body = ta.request(t, http.MethodPost, "/v1/permits/"+id+"/gas-readings", creator, map[string]any{
		"gas_type": "CO",
		"reading":  5.0,
		"unit":     "ppm",
		"status":   "fine",
	})
	if resp.StatusCode != http.StatusBadRequest || errCode(body) != "GAS_STATUS_INVALID" {
		t.Fatalf("bad status = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodGet, "/v1/permits/"+id+"/gas-readings", creator, nil)
	items, _ := body["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("list = %d items=%d", resp.StatusCode, len(items))
	}
}

func TestIsolationPointEndpoints(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)
	id := ta.createPermit(t, creator)

	resp, body := ta.request(t, http.MethodPost, "/v1/permits/"+id+"/isolation-points", creator, map[string]any{
		"name":     "MCC-3 breaker",
		"required": true,
	})
	if resp.StatusCode != http.StatusCreated || body["status"] != "assigned" {
		t.Fatalf("create point = %d %v", resp.StatusCode, body)
	}
	pointID, _ := body["id"].(string)

	resp, body = ta.request(t, http.MethodPatch, "/v1/permits/"+id+"/isolation-points/"+pointID, creator, map[string]any{
		"status":     "isolated",
		"lock_count": 1,
	})
	if resp.StatusCode != http.StatusOK || body["status"] != "isolated" {
		t.Fatalf("update point = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodPatch, "/v1/permits/"+id+"/isolation-points/missing", creator, map[string]any{
		"status": "isolated",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing point = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodGet, "/v1/permits/"+id+"/isolation-points", creator, nil)
	items, _ := body["items"].([]any)
	if resp.StatusCode != http.StatusOK || len(items) != 1 {
		t.Fatalf("list = %d items=%d", resp.StatusCode, len(items))
	}

	resp, body = ta.request(t, http.MethodPost, "/v1/permits/"+id+"/isolation-points", creator, map[string]any{
		"required": true,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nameless point = %d %v", resp.StatusCode, body)
	}
}

func TestCloseoutEndpoints(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)
	id := ta.createPermit(t, creator)

	resp, body := ta.request(t, http.MethodGet, "/v1/permits/"+id+"/closeout", creator, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("closeout before start = %d %v", resp.StatusCode, body)
	}

	// closeout only opens once the permit is active
	resp, body = ta.request(t, http.MethodPut, "/v1/permits/"+id+"/closeout", creator, map[string]any{
		"checklist": map[string]any{"area_cleared": map[string]any{"label": "Area cleared", "done": true}},
	})
	if resp.StatusCode != http.StatusBadRequest || errCode(body) != "CLOSEOUT_NOT_OPEN" {
		t.Fatalf("closeout on draft = %d %v", resp.StatusCode, body)
	}
}

func TestExtensionEndpointValidation(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)
	id := ta.createPermit(t, creator)

	resp, body := ta.request(t, http.MethodPost, "/v1/permits/"+id+"/extensions", creator, map[string]any{
		"reason": "crew delayed",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing new end = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodPost, "/v1/permits/"+id+"/extensions", creator, map[string]any{
		"new_end_time": time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
		"reason":       "crew delayed",
	})
	if resp.StatusCode != http.StatusBadRequest || errCode(body) != "NOT_ACTIVE" {
		t.Fatalf("extension on draft = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodGet, "/v1/permits/"+id+"/extensions", creator, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}
}

func TestPhotoEndpoint(t *testing.T) {
	ta := newTestAPI(t, Config{})
	creator := ta.creatorToken(t)
	id := ta.createPermit(t, creator)

	resp, body := ta.request(t, http.MethodPost, "/v1/permits/"+id+"/photos", creator, map[string]any{
		"caption": "before works",
	})
	if resp.StatusCode != http.StatusBadRequest || errCode(body) != "URL_REQUIRED" {
		t.Fatalf("missing url = %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodPost, "/v1/permits/"+id+"/photos", creator, map[string]any{
		"url":     "https://cdn.example/p1.jpg",
		"caption": "before works",
	})
	if resp.StatusCode != http.StatusCreated || body["taken_by"] != "u-creator" {
		t.Fatalf("add photo = %d %v", resp.StatusCode, body)
	}
}
