package calsync

import (
	"context"
	"time"
)

// WatchRequest asks the upstream calendar API to push change
// notifications for a calendar to Address until Expiration.
type WatchRequest struct {
	ChannelID  string
	Address    string
	Expiration time.Time
}

type WatchResponse struct {
	ChannelID  string
	ResourceID string
	Expiration time.Time
}

// CalendarGateway is the upstream calendar API as seen by this service.
type CalendarGateway interface {
	Watch(ctx context.Context, calendarID string, req WatchRequest) (WatchResponse, error)
	Stop(ctx context.Context, channelID, resourceID string) error
	GetEvent(ctx context.Context, calendarID, eventID string) (*CalendarEvent, error)
	ListCalendars(ctx context.Context) ([]CalendarInfo, error)
}

// DealGateway is the CRM API. SetDealStage writes the target stage, not
// a delta, so duplicate calls converge.
type DealGateway interface {
	SetDealStage(ctx context.Context, dealID, stageID string) error
	GetDeal(ctx context.Context, dealID string) (Deal, error)
	ListPipelines(ctx context.Context) ([]Pipeline, error)
}

// Gateway clients are rebuilt per call from the user's stored
// credential. Construction is a pure function of the credential; there
// is no shared authenticated singleton to manage.
type CalendarClientFactory func(user User) CalendarGateway

type DealClientFactory func(apiKey string) DealGateway
