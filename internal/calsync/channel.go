package calsync

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxChannelTTL is the longest subscription lifetime the upstream
// protocol allows.
const MaxChannelTTL = 7 * 24 * time.Hour

const channelIDPrefix = "calendar-webhook-"

// EncodeChannelID embeds the owning user in the channel identifier so a
// later notification can be attributed without a lookup table. The user
// id is hex-encoded: the field can never contain the "-" delimiter, so
// decoding recovers the original id exactly even when it contains "-".
func EncodeChannelID(userID, token string) string {
	return channelIDPrefix + hex.EncodeToString([]byte(userID)) + "-" + token
}

// DecodeChannelID is the inverse of EncodeChannelID. It reports false
// for anything that does not carry a prefix, a non-empty user field,
// and a token.
func DecodeChannelID(channelID string) (string, bool) {
	rest, ok := strings.CutPrefix(channelID, channelIDPrefix)
	if !ok {
		return "", false
	}
	field, token, found := strings.Cut(rest, "-")
	if !found || field == "" || token == "" {
		return "", false
	}
	raw, err := hex.DecodeString(field)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

type RegistryOptions struct {
	Store      Store
	Calendars  CalendarClientFactory
	WebhookURL string
	ChannelTTL time.Duration
	Timeout    time.Duration
	Activity   *ActivityHub
	Logger     *slog.Logger
	Now        func() time.Time
	NewToken   func() string
}

// Registry owns the notification channels: it establishes them, renews
// them before expiry, and tears them down. All channel state lives in
// the store; the registry is the only writer.
type Registry struct {
	store      Store
	calendars  CalendarClientFactory
	webhookURL string
	channelTTL time.Duration
	timeout    time.Duration
	activity   *ActivityHub
	logger     *slog.Logger
	now        func() time.Time
	newToken   func() string
	pairLocks  keyedMutex
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Calendars == nil {
		return nil, fmt.Errorf("calendar client factory is required")
	}
	webhookURL := strings.TrimSpace(opts.WebhookURL)
	if webhookURL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	channelTTL := opts.ChannelTTL
	if channelTTL <= 0 || channelTTL > MaxChannelTTL {
		channelTTL = MaxChannelTTL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newToken := opts.NewToken
	if newToken == nil {
		newToken = func() string { return uuid.NewString() }
	}
	return &Registry{
		store:      opts.Store,
		calendars:  opts.Calendars,
		webhookURL: webhookURL,
		channelTTL: channelTTL,
		timeout:    timeout,
		activity:   opts.Activity,
		logger:     logger,
		now:        now,
		newToken:   newToken,
	}, nil
}

// Subscribe establishes a fresh channel for the pair. Failure here is
// fatal to that calendar's sync and is returned to the caller.
func (r *Registry) Subscribe(ctx context.Context, userID, calendarID string) (Channel, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(calendarID) == "" {
		return Channel{}, ErrInvalidInput
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return Channel{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	channel, err := r.subscribe(ctx, user, calendarID)
	if err != nil {
		return Channel{}, err
	}
	if err := r.store.PutChannel(ctx, channel); err != nil {
		return Channel{}, fmt.Errorf("persist channel for %s/%s: %w", userID, calendarID, err)
	}
	r.logger.Info("channel established",
		"userId", userID,
		"calendarId", calendarID,
		"channelId", channel.ChannelID,
		"expiresAt", channel.ExpiresAt)
	r.publish("channel_established", channel)
	return channel, nil
}

func (r *Registry) subscribe(ctx context.Context, user User, calendarID string) (Channel, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	channelID := EncodeChannelID(user.ID, r.newToken())
	expiration := r.now().Add(r.channelTTL)
	resp, err := r.calendars(user).Watch(ctx, calendarID, WatchRequest{
		ChannelID:  channelID,
		Address:    r.webhookURL,
		Expiration: expiration,
	})
	if err != nil {
		return Channel{}, fmt.Errorf("watch %s for user %s: %w", calendarID, user.ID, err)
	}
	if resp.ChannelID == "" {
		resp.ChannelID = channelID
	}
	if resp.Expiration.IsZero() {
		resp.Expiration = expiration
	}
	return Channel{
		UserID:     user.ID,
		CalendarID: calendarID,
		ChannelID:  resp.ChannelID,
		ResourceID: resp.ResourceID,
		ExpiresAt:  resp.Expiration,
	}, nil
}

// Renew replaces the pair's channel before it expires: the replacement
// is created first, then the superseded channel is stopped best-effort.
// An orphaned old channel only causes a duplicate delivery, which the
// reconciler absorbs, so a stop failure never aborts the renewal.
// Renewals for the same pair are serialized; unrelated pairs proceed
// concurrently.
func (r *Registry) Renew(ctx context.Context, userID, calendarID string) (Channel, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(calendarID) == "" {
		return Channel{}, ErrInvalidInput
	}
	unlock := r.pairLocks.lock(userID + "\x00" + calendarID)
	defer unlock()

	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return Channel{}, fmt.Errorf("load user %s: %w", userID, err)
	}
	old, oldErr := r.store.GetChannel(ctx, userID, calendarID)

	channel, err := r.subscribe(ctx, user, calendarID)
	if err != nil {
		return Channel{}, err
	}
	if err := r.store.PutChannel(ctx, channel); err != nil {
		return Channel{}, fmt.Errorf("persist channel for %s/%s: %w", userID, calendarID, err)
	}
	r.logger.Info("channel renewed",
		"userId", userID,
		"calendarId", calendarID,
		"channelId", channel.ChannelID,
		"expiresAt", channel.ExpiresAt)
	r.publish("channel_renewed", channel)

	if oldErr == nil {
		r.stopChannel(ctx, user, old)
	}
	return channel, nil
}

// Teardown stops the pair's channel and forgets it. The stop itself is
// best-effort; the record is removed regardless.
func (r *Registry) Teardown(ctx context.Context, userID, calendarID string) error {
	unlock := r.pairLocks.lock(userID + "\x00" + calendarID)
	defer unlock()

	channel, err := r.store.GetChannel(ctx, userID, calendarID)
	if err != nil {
		return err
	}
	if user, userErr := r.store.GetUser(ctx, userID); userErr == nil {
		r.stopChannel(ctx, user, channel)
	}
	if err := r.store.DeleteChannel(ctx, userID, calendarID); err != nil {
		return err
	}
	r.publish("channel_removed", channel)
	return nil
}

func (r *Registry) publish(reason string, channel Channel) {
	if r.activity == nil {
		return
	}
	r.activity.Publish(ActivityEvent{
		Kind:       "channel",
		Reason:     reason,
		UserID:     channel.UserID,
		CalendarID: channel.CalendarID,
	})
}

func (r *Registry) stopChannel(ctx context.Context, user User, channel Channel) {
	stopCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.calendars(user).Stop(stopCtx, channel.ChannelID, channel.ResourceID); err != nil {
		r.logger.Warn("failed to stop superseded channel, proceeding",
			"userId", channel.UserID,
			"calendarId", channel.CalendarID,
			"channelId", channel.ChannelID,
			"error", err)
	}
}

type RenewResult struct {
	UserID     string    `json:"userId"`
	CalendarID string    `json:"calendarId"`
	ChannelID  string    `json:"channelId,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RenewDueChannels renews every channel expiring inside the window. It
// is the entrypoint for the periodic scheduler and the internal trigger
// endpoint; per-channel failures are recorded and do not stop the pass.
func (r *Registry) RenewDueChannels(ctx context.Context, within time.Duration) []RenewResult {
	if within <= 0 {
		within = MaxChannelTTL
	}
	channels, err := r.store.ListChannelsExpiringBefore(ctx, r.now().Add(within))
	if err != nil {
		r.logger.Error("failed to list channels due for renewal", "error", err)
		return nil
	}
	results := make([]RenewResult, 0, len(channels))
	for _, channel := range channels {
		result := RenewResult{UserID: channel.UserID, CalendarID: channel.CalendarID}
		renewed, err := r.Renew(ctx, channel.UserID, channel.CalendarID)
		if err != nil {
			result.Error = err.Error()
			r.logger.Error("channel renewal failed",
				"userId", channel.UserID,
				"calendarId", channel.CalendarID,
				"error", err)
		} else {
			result.ChannelID = renewed.ChannelID
			result.ExpiresAt = renewed.ExpiresAt
		}
		results = append(results, result)
	}
	return results
}

// keyedMutex serializes work per key while leaving unrelated keys free
// to proceed.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyedLock{}
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLock{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
