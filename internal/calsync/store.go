package calsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store holds users, calendar-to-stage mappings, and live notification
// channels. Two implementations exist: the in-memory store below and the
// Postgres store in postgres_store.go, selected by DSN in store_factory.go.
type Store interface {
	UpsertUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	UpsertMapping(ctx context.Context, mapping Mapping) error
	DeleteMapping(ctx context.Context, userID, calendarID string) error
	ListMappings(ctx context.Context, userID string) ([]Mapping, error)
	ActiveMapping(ctx context.Context, userID, calendarID string) (Mapping, error)

	PutChannel(ctx context.Context, channel Channel) error
	GetChannel(ctx context.Context, userID, calendarID string) (Channel, error)
	DeleteChannel(ctx context.Context, userID, calendarID string) error
	ListChannels(ctx context.Context, userID string) ([]Channel, error)
	ListChannelsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Channel, error)

	Close() error
}

type pairKey struct {
	userID     string
	calendarID string
}

type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]User
	mappings map[pairKey]Mapping
	channels map[pairKey]Channel
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    map[string]User{},
		mappings: map[pairKey]Mapping{},
		channels: map[pairKey]Channel{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) UpsertUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users[user.ID] = user
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// UpsertMapping enforces the at-most-one-per-(user, calendar) invariant:
// the most recent write replaces any earlier record for the same pair.
func (s *MemoryStore) UpsertMapping(ctx context.Context, mapping Mapping) error {
	if strings.TrimSpace(mapping.UserID) == "" || strings.TrimSpace(mapping.CalendarID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{userID: mapping.UserID, calendarID: mapping.CalendarID}
	now := s.now()
	if existing, ok := s.mappings[key]; ok {
		mapping.CreatedAt = existing.CreatedAt
	} else if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now
	s.mappings[key] = mapping
	return nil
}

func (s *MemoryStore) DeleteMapping(ctx context.Context, userID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{userID: userID, calendarID: calendarID}
	if _, ok := s.mappings[key]; !ok {
		return ErrNotFound
	}
	delete(s.mappings, key)
	return nil
}

func (s *MemoryStore) ListMappings(ctx context.Context, userID string) ([]Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var mappings []Mapping
	for key, mapping := range s.mappings {
		if key.userID == userID {
			mappings = append(mappings, mapping)
		}
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].CalendarID < mappings[j].CalendarID })
	return mappings, nil
}

// ActiveMapping returns the mapping for the pair only when it is active.
func (s *MemoryStore) ActiveMapping(ctx context.Context, userID, calendarID string) (Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mapping, ok := s.mappings[pairKey{userID: userID, calendarID: calendarID}]
	if !ok || !mapping.Active {
		return Mapping{}, ErrNotFound
	}
	return mapping, nil
}

func (s *MemoryStore) PutChannel(ctx context.Context, channel Channel) error {
	if strings.TrimSpace(channel.UserID) == "" || strings.TrimSpace(channel.CalendarID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[pairKey{userID: channel.UserID, calendarID: channel.CalendarID}] = channel
	return nil
}

func (s *MemoryStore) GetChannel(ctx context.Context, userID, calendarID string) (Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[pairKey{userID: userID, calendarID: calendarID}]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return channel, nil
}

func (s *MemoryStore) DeleteChannel(ctx context.Context, userID, calendarID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{userID: userID, calendarID: calendarID}
	if _, ok := s.channels[key]; !ok {
		return ErrNotFound
	}
	delete(s.channels, key)
	return nil
}

func (s *MemoryStore) ListChannels(ctx context.Context, userID string) ([]Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var channels []Channel
	for key, channel := range s.channels {
		if key.userID == userID {
			channels = append(channels, channel)
		}
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i].CalendarID < channels[j].CalendarID })
	return channels, nil
}

func (s *MemoryStore) ListChannelsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var channels []Channel
	for _, channel := range s.channels {
		if channel.ExpiresAt.Before(cutoff) {
			channels = append(channels, channel)
		}
	}
	sort.Slice(channels, func(i, j int) bool {
		if channels[i].UserID != channels[j].UserID {
			return channels[i].UserID < channels[j].UserID
		}
		return channels[i].CalendarID < channels[j].CalendarID
	})
	return channels, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
