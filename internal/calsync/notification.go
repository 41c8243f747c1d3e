package calsync

import (
	"fmt"
	"net/http"
	"strings"
)

// ResourceState classifies an inbound push. The upstream source sends
// "sync" once when a channel is established and "exists" for real
// changes; anything else is ignored rather than rejected so new
// upstream states do not break the pipeline.
type ResourceState string

const (
	StateSync    ResourceState = "sync"
	StateExists  ResourceState = "exists"
	StateUnknown ResourceState = "unknown"
)

func ParseResourceState(raw string) ResourceState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sync":
		return StateSync
	case "exists":
		return StateExists
	default:
		return StateUnknown
	}
}

// InboundNotification is a raw push as delivered to the webhook
// endpoint. It is transient: classified, decoded, and discarded.
type InboundNotification struct {
	ChannelID  string
	ResourceID string
	State      ResourceState
	RawState   string
}

// NotificationFromHeader reads the push headers, accepting both the
// upstream-prefixed names and the plain forms. A missing channel id is
// a contract violation reported to the caller; the caller still
// acknowledges the request.
func NotificationFromHeader(h http.Header) (InboundNotification, error) {
	channelID := firstHeader(h, "X-Goog-Channel-Id", "Channel-Id")
	resourceID := firstHeader(h, "X-Goog-Resource-Id", "Resource-Id")
	rawState := firstHeader(h, "X-Goog-Resource-State", "Resource-State")
	if channelID == "" {
		return InboundNotification{}, fmt.Errorf("%w: missing channel id header", ErrInvalidInput)
	}
	return InboundNotification{
		ChannelID:  channelID,
		ResourceID: resourceID,
		State:      ParseResourceState(rawState),
		RawState:   rawState,
	}, nil
}

func firstHeader(h http.Header, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(h.Get(name)); value != "" {
			return value
		}
	}
	return ""
}

// DecodedNotification is an attributed notification: the owning user
// recovered from the channel id and the event to fetch recovered from
// the resource id.
type DecodedNotification struct {
	UserID     string
	ResourceID string
	EventID    string
}

// Decode attributes the notification to a user and resolves the event
// identifier. It does not consult any store; attribution is entirely
// carried by the channel id encoding.
func (n InboundNotification) Decode() (DecodedNotification, error) {
	userID, ok := DecodeChannelID(n.ChannelID)
	if !ok {
		return DecodedNotification{}, fmt.Errorf("%w: unparseable channel id %q", ErrInvalidInput, n.ChannelID)
	}
	eventID, ok := EventIDFromResourceID(n.ResourceID)
	if !ok {
		return DecodedNotification{}, fmt.Errorf("%w: unparseable resource id %q", ErrInvalidInput, n.ResourceID)
	}
	return DecodedNotification{
		UserID:     userID,
		ResourceID: n.ResourceID,
		EventID:    eventID,
	}, nil
}

// EventIDFromResourceID maps the upstream resource identifier to the
// event to fetch: the segment after the last "_". The exact format is
// an upstream contract, not something this service controls, so the
// rule is isolated here.
func EventIDFromResourceID(resourceID string) (string, bool) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return "", false
	}
	if idx := strings.LastIndex(resourceID, "_"); idx >= 0 {
		resourceID = resourceID[idx+1:]
	}
	if resourceID == "" {
		return "", false
	}
	return resourceID, true
}
