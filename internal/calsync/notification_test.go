package calsync

import (
	"errors"
	"net/http"
	"testing"
)

func TestParseResourceState(t *testing.T) {
	cases := map[string]ResourceState{
		"sync":      StateSync,
		"SYNC":      StateSync,
		" exists ":  StateExists,
		"exists":    StateExists,
		"not_found": StateUnknown,
		"":          StateUnknown,
	}
	for raw, want := range cases {
		if got := ParseResourceState(raw); got != want {
			t.Fatalf("ParseResourceState(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNotificationFromHeaderUpstreamNames(t *testing.T) {
	h := http.Header{}
	h.Set("X-Goog-Channel-Id", "chan_1")
	h.Set("X-Goog-Resource-Id", "res_1")
	h.Set("X-Goog-Resource-State", "exists")

	n, err := NotificationFromHeader(h)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.ChannelID != "chan_1" || n.ResourceID != "res_1" || n.State != StateExists {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestNotificationFromHeaderPlainNames(t *testing.T) {
	h := http.Header{}
	h.Set("Channel-Id", "chan_2")
	h.Set("Resource-Id", "res_2")
	h.Set("Resource-State", "sync")

	n, err := NotificationFromHeader(h)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if n.ChannelID != "chan_2" || n.State != StateSync {
		t.Fatalf("unexpected notification: %+v", n)
	}
}

func TestNotificationFromHeaderMissingChannelID(t *testing.T) {
	h := http.Header{}
	h.Set("X-Goog-Resource-State", "exists")

	if _, err := NotificationFromHeader(h); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDecodeAttributesNotification(t *testing.T) {
	n := InboundNotification{
		ChannelID:  EncodeChannelID("u1", "tok"),
		ResourceID: "cal_abc_evt42",
		State:      StateExists,
	}
	decoded, err := n.Decode()
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.UserID != "u1" {
		t.Fatalf("expected user u1, got %q", decoded.UserID)
	}
	if decoded.EventID != "evt42" {
		t.Fatalf("expected event evt42, got %q", decoded.EventID)
	}
}

func TestDecodeRejectsForeignChannelID(t *testing.T) {
	n := InboundNotification{
		ChannelID:  "calendar-webhook-",
		ResourceID: "res_1",
		State:      StateExists,
	}
	if _, err := n.Decode(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEventIDFromResourceID(t *testing.T) {
	cases := []struct {
		resourceID string
		want       string
		ok         bool
	}{
		{"cal_abc_evt42", "evt42", true},
		{"evt42", "evt42", true},
		{"prefix_", "", false},
		{"", "", false},
		{"  ", "", false},
	}
	for _, tc := range cases {
		got, ok := EventIDFromResourceID(tc.resourceID)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("EventIDFromResourceID(%q) = (%q, %v), want (%q, %v)", tc.resourceID, got, ok, tc.want, tc.ok)
		}
	}
}
