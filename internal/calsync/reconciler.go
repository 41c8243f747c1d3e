package calsync

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// ReconcileReason names why a reconciliation stopped where it did. Each
// of the short-circuits in Reconcile maps to exactly one reason.
type ReconcileReason string

const (
	ReasonHandshake       ReconcileReason = "handshake"
	ReasonIgnoredState    ReconcileReason = "ignored_state"
	ReasonBadChannelID    ReconcileReason = "bad_channel_id"
	ReasonUserNotFound    ReconcileReason = "user_not_found"
	ReasonEventNotFound   ReconcileReason = "event_not_found"
	ReasonNoDealTag       ReconcileReason = "no_deal_tag"
	ReasonNoActiveMapping ReconcileReason = "no_active_mapping"
	ReasonDealUpdateError ReconcileReason = "deal_update_error"
	ReasonSynced          ReconcileReason = "synced"
)

// ReconcileOutcome records what one notification produced. It is the
// unit published to the activity feed and asserted on in tests.
type ReconcileOutcome struct {
	Reason     ReconcileReason `json:"reason"`
	UserID     string          `json:"userId,omitempty"`
	CalendarID string          `json:"calendarId,omitempty"`
	EventID    string          `json:"eventId,omitempty"`
	DealID     string          `json:"dealId,omitempty"`
	StageID    string          `json:"stageId,omitempty"`
	Err        error           `json:"-"`
}

// Synced reports whether the outcome ended in a deal-stage write.
func (o ReconcileOutcome) Synced() bool {
	return o.Reason == ReasonSynced
}

var dealTagPattern = regexp.MustCompile(`\[DEAL:([^\]]+)\]`)

// ExtractDealID pulls the first [DEAL:<id>] tag out of an event
// description. Most calendar events carry no tag; absence is the
// common case, not an error.
func ExtractDealID(description string) (string, bool) {
	match := dealTagPattern.FindStringSubmatch(description)
	if match == nil {
		return "", false
	}
	dealID := strings.TrimSpace(match[1])
	if dealID == "" {
		return "", false
	}
	return dealID, true
}

type ReconcilerOptions struct {
	Store     Store
	Calendars CalendarClientFactory
	Deals     DealClientFactory
	Timeout   time.Duration
	Logger    *slog.Logger
	Activity  *ActivityHub
}

// Reconciler applies the business rule: a changed calendar event tagged
// with a deal moves that deal to the stage mapped for the calendar.
// Every step is an independent short-circuit with its own reason; no
// step retries and no failure propagates to a caller, because the only
// caller is the already-acknowledged webhook handler.
type Reconciler struct {
	store     Store
	calendars CalendarClientFactory
	deals     DealClientFactory
	timeout   time.Duration
	logger    *slog.Logger
	activity  *ActivityHub
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Calendars == nil {
		return nil, errors.New("calendar client factory is required")
	}
	if opts.Deals == nil {
		return nil, errors.New("deal client factory is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     opts.Store,
		calendars: opts.Calendars,
		deals:     opts.Deals,
		timeout:   timeout,
		logger:    logger,
		activity:  opts.Activity,
	}, nil
}

// Reconcile drives one notification to completion. Duplicate and
// out-of-order deliveries are convergent: each run re-fetches current
// event state and writes the target stage, not a delta.
func (r *Reconciler) Reconcile(ctx context.Context, n InboundNotification) ReconcileOutcome {
	outcome := r.reconcile(ctx, n)
	r.publish(outcome)
	return outcome
}

func (r *Reconciler) reconcile(ctx context.Context, n InboundNotification) ReconcileOutcome {
	switch n.State {
	case StateSync:
		r.logger.Info("sync handshake received, channel is live", "channelId", n.ChannelID)
		return ReconcileOutcome{Reason: ReasonHandshake}
	case StateExists:
	default:
		r.logger.Info("ignoring notification with unhandled resource state",
			"channelId", n.ChannelID,
			"resourceState", n.RawState)
		return ReconcileOutcome{Reason: ReasonIgnoredState}
	}

	decoded, err := n.Decode()
	if err != nil {
		r.logger.Warn("could not attribute notification",
			"channelId", n.ChannelID,
			"resourceId", n.ResourceID,
			"error", err)
		return ReconcileOutcome{Reason: ReasonBadChannelID, Err: err}
	}

	user, err := r.store.GetUser(ctx, decoded.UserID)
	if err != nil {
		r.logger.Warn("user not found for notification, abandoning",
			"userId", decoded.UserID,
			"channelId", n.ChannelID)
		return ReconcileOutcome{Reason: ReasonUserNotFound, UserID: decoded.UserID, Err: err}
	}

	// A channel always watches one calendar; the stored channel record
	// tells us which one to fetch the event from.
	calendarID := r.watchedCalendar(ctx, user.ID, n.ChannelID)

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	event, err := r.calendars(user).GetEvent(fetchCtx, calendarID, decoded.EventID)
	cancel()
	if err != nil || event == nil {
		r.logger.Warn("event not found or inaccessible, abandoning",
			"userId", user.ID,
			"eventId", decoded.EventID,
			"error", err)
		return ReconcileOutcome{Reason: ReasonEventNotFound, UserID: user.ID, EventID: decoded.EventID, Err: err}
	}

	dealID, ok := ExtractDealID(event.Description)
	if !ok {
		r.logger.Debug("event carries no deal tag, skipping",
			"userId", user.ID,
			"eventId", event.ID,
			"summary", event.Summary)
		return ReconcileOutcome{Reason: ReasonNoDealTag, UserID: user.ID, EventID: event.ID}
	}

	owningCalendar := event.OwningCalendarID()
	if owningCalendar == "" {
		owningCalendar = calendarID
	}
	mapping, err := r.store.ActiveMapping(ctx, user.ID, owningCalendar)
	if err != nil {
		r.logger.Warn("no active mapping for calendar, abandoning",
			"userId", user.ID,
			"calendarId", owningCalendar,
			"dealId", dealID)
		return ReconcileOutcome{
			Reason:     ReasonNoActiveMapping,
			UserID:     user.ID,
			CalendarID: owningCalendar,
			EventID:    event.ID,
			DealID:     dealID,
		}
	}

	updateCtx, cancel := context.WithTimeout(ctx, r.timeout)
	err = r.deals(user.SalesmapAPIKey).SetDealStage(updateCtx, dealID, mapping.StageID)
	cancel()
	if err != nil {
		r.logger.Error("deal stage update failed",
			"userId", user.ID,
			"calendarId", owningCalendar,
			"dealId", dealID,
			"stageId", mapping.StageID,
			"error", err)
		return ReconcileOutcome{
			Reason:     ReasonDealUpdateError,
			UserID:     user.ID,
			CalendarID: owningCalendar,
			EventID:    event.ID,
			DealID:     dealID,
			StageID:    mapping.StageID,
			Err:        err,
		}
	}

	r.logger.Info("deal stage synchronized",
		"userId", user.ID,
		"calendarId", owningCalendar,
		"dealId", dealID,
		"stageId", mapping.StageID)
	return ReconcileOutcome{
		Reason:     ReasonSynced,
		UserID:     user.ID,
		CalendarID: owningCalendar,
		EventID:    event.ID,
		DealID:     dealID,
		StageID:    mapping.StageID,
	}
}

// watchedCalendar resolves which calendar the channel was registered
// for. Falls back to the primary calendar when the channel record is
// gone (e.g. superseded and pruned while the delivery was in flight).
func (r *Reconciler) watchedCalendar(ctx context.Context, userID, channelID string) string {
	channels, err := r.store.ListChannels(ctx, userID)
	if err != nil {
		return "primary"
	}
	for _, channel := range channels {
		if channel.ChannelID == channelID {
			return channel.CalendarID
		}
	}
	return "primary"
}

func (r *Reconciler) publish(outcome ReconcileOutcome) {
	if r.activity == nil {
		return
	}
	r.activity.Publish(ActivityEvent{
		Kind:       "reconcile",
		Reason:     string(outcome.Reason),
		UserID:     outcome.UserID,
		CalendarID: outcome.CalendarID,
		EventID:    outcome.EventID,
		DealID:     outcome.DealID,
		StageID:    outcome.StageID,
	})
}
