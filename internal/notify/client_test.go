package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/events" {
			t.Fatalf("path = %s, want /api/events", r.URL.Path)
		}

		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.UserID != 7 || ev.Kind != EventClaimRequested || ev.ComplimentID != 42 {
			t.Fatalf("unexpected event: %+v", ev)
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Send(ctx, Event{
		UserID:       7,
		Kind:         EventClaimRequested,
		ComplimentID: 42,
		Text:         "new claim",
	})
	if err != nil {
		t.Fatalf("Send error: %v", err)
	}
}

func TestSend_UnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Send(ctx, Event{UserID: 1, Kind: EventTipSettled}); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}

func TestSend_NotConfigured(t *testing.T) {
	var client *Client

	if err := client.Send(context.Background(), Event{UserID: 1}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
