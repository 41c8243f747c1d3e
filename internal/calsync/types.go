package calsync

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrEventNotFound = errors.New("event not found")
)

// User is the owner of calendars and mappings. The OAuth dance that
// produces GoogleToken happens outside this service; the store only
// holds the resulting bearer credential.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	GoogleToken    string    `json:"googleToken"`
	SalesmapAPIKey string    `json:"salesmapApiKey"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Mapping ties one of a user's calendars to a pipeline stage. Only an
// active mapping participates in reconciliation.
type Mapping struct {
	UserID       string    `json:"userId"`
	CalendarID   string    `json:"calendarId"`
	CalendarName string    `json:"calendarName,omitempty"`
	PipelineID   string    `json:"pipelineId"`
	PipelineName string    `json:"pipelineName,omitempty"`
	StageID      string    `json:"stageId"`
	StageName    string    `json:"stageName,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Channel is a live push-notification subscription for one calendar.
// At most one per (user, calendar); a renewal supersedes the old one.
type Channel struct {
	UserID     string    `json:"userId"`
	CalendarID string    `json:"calendarId"`
	ChannelID  string    `json:"channelId"`
	ResourceID string    `json:"resourceId"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// CalendarEvent is the subset of an upstream event this service reads.
type CalendarEvent struct {
	ID          string         `json:"id"`
	Summary     string         `json:"summary"`
	Description string         `json:"description"`
	Organizer   EventOrganizer `json:"organizer"`
	CalendarID  string         `json:"calendarId,omitempty"`
	Updated     string         `json:"updated,omitempty"`
}

type EventOrganizer struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// OwningCalendarID resolves which calendar the event belongs to: the
// organizer's address, or the explicit calendar id when present.
func (e *CalendarEvent) OwningCalendarID() string {
	if e == nil {
		return ""
	}
	if e.Organizer.Email != "" {
		return e.Organizer.Email
	}
	return e.CalendarID
}

type CalendarInfo struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Primary bool   `json:"primary,omitempty"`
}

type Deal struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	StageID string `json:"stageId,omitempty"`
}

type Pipeline struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Stages []PipelineStage `json:"stages,omitempty"`
}

type PipelineStage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
