package calsync

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists users, mappings, and channels in Postgres.
// Connection setup and schema bootstrap are deferred to first use.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		schema := []string{
			`CREATE TABLE IF NOT EXISTS calsync_users (
				id TEXT PRIMARY KEY,
				email TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL DEFAULT '',
				google_token TEXT NOT NULL DEFAULT '',
				salesmap_api_key TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS calsync_mappings (
				user_id TEXT NOT NULL,
				calendar_id TEXT NOT NULL,
				calendar_name TEXT NOT NULL DEFAULT '',
				pipeline_id TEXT NOT NULL DEFAULT '',
				pipeline_name TEXT NOT NULL DEFAULT '',
				stage_id TEXT NOT NULL DEFAULT '',
				stage_name TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (user_id, calendar_id)
			)`,
			`CREATE TABLE IF NOT EXISTS calsync_channels (
				user_id TEXT NOT NULL,
				calendar_id TEXT NOT NULL,
				channel_id TEXT NOT NULL,
				resource_id TEXT NOT NULL DEFAULT '',
				expires_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (user_id, calendar_id)
			)`,
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, postgresOperationTimeout)
}

func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calsync_users (id, email, name, google_token, salesmap_api_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id)
		DO UPDATE SET email = EXCLUDED.email,
			name = EXCLUDED.name,
			google_token = EXCLUDED.google_token,
			salesmap_api_key = EXCLUDED.salesmap_api_key,
			updated_at = NOW()`,
		user.ID, user.Email, user.Name, user.GoogleToken, user.SalesmapAPIKey)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	if err := s.ensureReady(); err != nil {
		return User{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, google_token, salesmap_api_key, created_at, updated_at
		FROM calsync_users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Email, &user.Name, &user.GoogleToken, &user.SalesmapAPIKey, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, google_token, salesmap_api_key, created_at, updated_at
		FROM calsync_users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.GoogleToken, &user.SalesmapAPIKey, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, mapping Mapping) error {
	if strings.TrimSpace(mapping.UserID) == "" || strings.TrimSpace(mapping.CalendarID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calsync_mappings
			(user_id, calendar_id, calendar_name, pipeline_id, pipeline_name, stage_id, stage_name, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id, calendar_id)
		DO UPDATE SET calendar_name = EXCLUDED.calendar_name,
			pipeline_id = EXCLUDED.pipeline_id,
			pipeline_name = EXCLUDED.pipeline_name,
			stage_id = EXCLUDED.stage_id,
			stage_name = EXCLUDED.stage_name,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		mapping.UserID, mapping.CalendarID, mapping.CalendarName,
		mapping.PipelineID, mapping.PipelineName, mapping.StageID, mapping.StageName, mapping.Active)
	return err
}

func (s *PostgresStore) DeleteMapping(ctx context.Context, userID, calendarID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM calsync_mappings WHERE user_id = $1 AND calendar_id = $2`, userID, calendarID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListMappings(ctx context.Context, userID string) ([]Mapping, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, calendar_id, calendar_name, pipeline_id, pipeline_name, stage_id, stage_name, active, created_at, updated_at
		FROM calsync_mappings WHERE user_id = $1 ORDER BY calendar_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.UserID, &m.CalendarID, &m.CalendarName, &m.PipelineID, &m.PipelineName,
			&m.StageID, &m.StageName, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func (s *PostgresStore) ActiveMapping(ctx context.Context, userID, calendarID string) (Mapping, error) {
	if err := s.ensureReady(); err != nil {
		return Mapping{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var m Mapping
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, calendar_id, calendar_name, pipeline_id, pipeline_name, stage_id, stage_name, active, created_at, updated_at
		FROM calsync_mappings
		WHERE user_id = $1 AND calendar_id = $2 AND active`, userID, calendarID).
		Scan(&m.UserID, &m.CalendarID, &m.CalendarName, &m.PipelineID, &m.PipelineName,
			&m.StageID, &m.StageName, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, err
	}
	return m, nil
}

func (s *PostgresStore) PutChannel(ctx context.Context, channel Channel) error {
	if strings.TrimSpace(channel.UserID) == "" || strings.TrimSpace(channel.CalendarID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calsync_channels (user_id, calendar_id, channel_id, resource_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, calendar_id)
		DO UPDATE SET channel_id = EXCLUDED.channel_id,
			resource_id = EXCLUDED.resource_id,
			expires_at = EXCLUDED.expires_at`,
		channel.UserID, channel.CalendarID, channel.ChannelID, channel.ResourceID, channel.ExpiresAt)
	return err
}

func (s *PostgresStore) GetChannel(ctx context.Context, userID, calendarID string) (Channel, error) {
	if err := s.ensureReady(); err != nil {
		return Channel{}, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	var channel Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, calendar_id, channel_id, resource_id, expires_at
		FROM calsync_channels WHERE user_id = $1 AND calendar_id = $2`, userID, calendarID).
		Scan(&channel.UserID, &channel.CalendarID, &channel.ChannelID, &channel.ResourceID, &channel.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	return channel, nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, userID, calendarID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM calsync_channels WHERE user_id = $1 AND calendar_id = $2`, userID, calendarID)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChannels(ctx context.Context, userID string) ([]Channel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.scanChannels(s.db.QueryContext(ctx, `
		SELECT user_id, calendar_id, channel_id, resource_id, expires_at
		FROM calsync_channels WHERE user_id = $1 ORDER BY calendar_id`, userID))
}

func (s *PostgresStore) ListChannelsExpiringBefore(ctx context.Context, cutoff time.Time) ([]Channel, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.scanChannels(s.db.QueryContext(ctx, `
		SELECT user_id, calendar_id, channel_id, resource_id, expires_at
		FROM calsync_channels WHERE expires_at < $1 ORDER BY user_id, calendar_id`, cutoff))
}

func (s *PostgresStore) scanChannels(rows *sql.Rows, err error) ([]Channel, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var channels []Channel
	for rows.Next() {
		var channel Channel
		if err := rows.Scan(&channel.UserID, &channel.CalendarID, &channel.ChannelID, &channel.ResourceID, &channel.ExpiresAt); err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
