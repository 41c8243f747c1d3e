package calsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCalendarGateway struct {
	mu sync.Mutex

	watchCalls   []string
	watchErr     error
	resourceID   string
	expiration   time.Time
	lastWatchReq WatchRequest

	stopCalls [][2]string
	stopErr   error

	getEventCalls []string
	events        map[string]*CalendarEvent
	getEventErr   error

	calendars []CalendarInfo
	listErr   error
}

func (g *fakeCalendarGateway) Watch(ctx context.Context, calendarID string, req WatchRequest) (WatchResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.watchCalls = append(g.watchCalls, calendarID)
	g.lastWatchReq = req
	if g.watchErr != nil {
		return WatchResponse{}, g.watchErr
	}
	resourceID := g.resourceID
	if resourceID == "" {
		resourceID = fmt.Sprintf("res_%d", len(g.watchCalls))
	}
	expiration := g.expiration
	if expiration.IsZero() {
		expiration = req.Expiration
	}
	return WatchResponse{
		ChannelID:  req.ChannelID,
		ResourceID: resourceID,
		Expiration: expiration,
	}, nil
}

func (g *fakeCalendarGateway) Stop(ctx context.Context, channelID, resourceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopCalls = append(g.stopCalls, [2]string{channelID, resourceID})
	return g.stopErr
}

func (g *fakeCalendarGateway) GetEvent(ctx context.Context, calendarID, eventID string) (*CalendarEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getEventCalls = append(g.getEventCalls, eventID)
	if g.getEventErr != nil {
		return nil, g.getEventErr
	}
	event, ok := g.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return event, nil
}

func (g *fakeCalendarGateway) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	if g.listErr != nil {
		return nil, g.listErr
	}
	return g.calendars, nil
}

func (g *fakeCalendarGateway) watchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watchCalls)
}

func (g *fakeCalendarGateway) stopCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.stopCalls)
}

func (g *fakeCalendarGateway) getEventCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.getEventCalls)
}

type fakeDealGateway struct {
	mu        sync.Mutex
	setCalls  [][2]string
	setErr    error
	pipelines []Pipeline
}

func (g *fakeDealGateway) SetDealStage(ctx context.Context, dealID, stageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setCalls = append(g.setCalls, [2]string{dealID, stageID})
	return g.setErr
}

func (g *fakeDealGateway) GetDeal(ctx context.Context, dealID string) (Deal, error) {
	return Deal{ID: dealID}, nil
}

func (g *fakeDealGateway) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	return g.pipelines, nil
}

func (g *fakeDealGateway) setCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.setCalls)
}

func (g *fakeDealGateway) lastSet() [2]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.setCalls) == 0 {
		return [2]string{}
	}
	return g.setCalls[len(g.setCalls)-1]
}

func staticCalendarFactory(gateway *fakeCalendarGateway) CalendarClientFactory {
	return func(User) CalendarGateway { return gateway }
}

func staticDealFactory(gateway *fakeDealGateway) DealClientFactory {
	return func(string) DealGateway { return gateway }
}
