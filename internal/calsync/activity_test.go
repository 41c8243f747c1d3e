package calsync

import "testing"

func TestActivityHubDeliversToAllSubscribers(t *testing.T) {
	hub := NewActivityHub()
	first, cancelFirst := hub.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := hub.Subscribe(4)
	defer cancelSecond()

	hub.Publish(ActivityEvent{Kind: "reconcile", Reason: "synced"})

	for name, ch := range map[string]<-chan ActivityEvent{"first": first, "second": second} {
		select {
		case event := <-ch:
			if event.Kind != "reconcile" || event.ID == "" || event.Timestamp.IsZero() {
				t.Fatalf("%s subscriber got incomplete event: %+v", name, event)
			}
		default:
			t.Fatalf("%s subscriber received nothing", name)
		}
	}
}

func TestActivityHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewActivityHub()
	feed, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(ActivityEvent{Kind: "reconcile"})
	hub.Publish(ActivityEvent{Kind: "reconcile"})

	if got := len(feed); got != 1 {
		t.Fatalf("expected the overflow event to be dropped, buffer holds %d", got)
	}
}

func TestActivityHubCancelUnsubscribes(t *testing.T) {
	hub := NewActivityHub()
	_, cancel := hub.Subscribe(1)
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}
	cancel()
	if hub.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after cancel, got %d", hub.SubscriberCount())
	}
	// Publishing to an empty hub is a no-op.
	hub.Publish(ActivityEvent{Kind: "channel"})
}

func TestActivityHubNilReceiverPublishIsSafe(t *testing.T) {
	var hub *ActivityHub
	hub.Publish(ActivityEvent{Kind: "reconcile"})
}
