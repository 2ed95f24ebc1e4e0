package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientGetState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/states/light.kitchen" {
			t.Errorf("path = %q, want /api/states/light.kitchen", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want Bearer test-token", got)
		}
		json.NewEncoder(w).Encode(State{EntityID: "light.kitchen", State: "on"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", nil)
	s, err := c.GetState(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if s.State != "on" {
		t.Errorf("state = %q, want on", s.State)
	}
}

func TestClientCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", nil)
	err := c.CallService(context.Background(), "light", "turn_on", map[string]any{
		"entity_id": "light.kitchen",
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %q, want /api/services/light/turn_on", gotPath)
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("body entity_id = %v, want light.kitchen", gotBody["entity_id"])
	}
}

func TestClientCallServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-token", nil)
	if err := c.CallService(context.Background(), "light", "no_such", nil); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestSplitEntityID(t *testing.T) {
	parts := splitEntityID("light.kitchen_main")
	if len(parts) != 2 || parts[0] != "light" || parts[1] != "kitchen_main" {
		t.Errorf("splitEntityID = %v, want [light kitchen_main]", parts)
	}

	parts = splitEntityID("noperiod")
	if len(parts) != 1 {
		t.Errorf("splitEntityID(noperiod) = %v, want single element", parts)
	}
}
