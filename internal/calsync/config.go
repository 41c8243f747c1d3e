package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SeedFile provisions users and their calendar-to-stage mappings from a
// JSON file, the successor of the env-var mapping table the service
// started with. The file is validated against seedSchema before any of
// it is applied.
type SeedFile struct {
	Users []SeedUser `json:"users"`
}

type SeedUser struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	GoogleToken    string    `json:"googleToken"`
	SalesmapAPIKey string    `json:"salesmapApiKey"`
	Mappings       []Mapping `json:"mappings"`
}

const seedSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["users"],
	"properties": {
		"users": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"email": {"type": "string"},
					"name": {"type": "string"},
					"googleToken": {"type": "string"},
					"salesmapApiKey": {"type": "string"},
					"mappings": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["calendarId", "stageId"],
							"properties": {
								"calendarId": {"type": "string", "minLength": 1},
								"calendarName": {"type": "string"},
								"pipelineId": {"type": "string"},
								"pipelineName": {"type": "string"},
								"stageId": {"type": "string", "minLength": 1},
								"stageName": {"type": "string"},
								"active": {"type": "boolean"}
							}
						}
					}
				}
			}
		}
	}
}`

var (
	seedSchemaOnce     sync.Once
	seedSchemaCompiled *jsonschema.Schema
	seedSchemaErr      error
)

func compiledSeedSchema() (*jsonschema.Schema, error) {
	seedSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(seedSchema))
		if err != nil {
			seedSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("seed.json", doc); err != nil {
			seedSchemaErr = err
			return
		}
		seedSchemaCompiled, seedSchemaErr = compiler.Compile("seed.json")
	})
	return seedSchemaCompiled, seedSchemaErr
}

// ParseSeedFile validates raw seed JSON against the schema and decodes
// it. Schema violations are returned before anything is applied.
func ParseSeedFile(data []byte) (SeedFile, error) {
	schema, err := compiledSeedSchema()
	if err != nil {
		return SeedFile{}, fmt.Errorf("compile seed schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return SeedFile{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(instance); err != nil {
		return SeedFile{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	var seed SeedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return SeedFile{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return seed, nil
}

func LoadSeedFile(path string) (SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedFile{}, err
	}
	return ParseSeedFile(data)
}

// ApplySeed upserts the seed's users and mappings into the store.
// Mappings default to active unless the file says otherwise.
func ApplySeed(ctx context.Context, store Store, seed SeedFile) error {
	for _, seedUser := range seed.Users {
		err := store.UpsertUser(ctx, User{
			ID:             seedUser.ID,
			Email:          seedUser.Email,
			Name:           seedUser.Name,
			GoogleToken:    seedUser.GoogleToken,
			SalesmapAPIKey: seedUser.SalesmapAPIKey,
		})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", seedUser.ID, err)
		}
		for _, mapping := range seedUser.Mappings {
			mapping.UserID = seedUser.ID
			if err := store.UpsertMapping(ctx, mapping); err != nil {
				return fmt.Errorf("seed mapping %s/%s: %w", seedUser.ID, mapping.CalendarID, err)
			}
		}
	}
	return nil
}

// SeedWatcher reloads and re-applies the seed file when it changes on
// disk. A file that fails validation is logged and left unapplied; the
// previously applied state stays in effect.
type SeedWatcher struct {
	path     string
	store    Store
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

func NewSeedWatcher(path string, store Store, logger *slog.Logger) (*SeedWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save
	// and a file watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	sw := &SeedWatcher{
		path:     path,
		store:    store,
		logger:   logger,
		watcher:  watcher,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}
	sw.wg.Add(1)
	go sw.run()
	return sw, nil
}

func (w *SeedWatcher) run() {
	defer w.wg.Done()
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("seed file watcher error", "error", err)
		case <-timerC:
			w.reload()
		}
	}
}

func (w *SeedWatcher) reload() {
	seed, err := LoadSeedFile(w.path)
	if err != nil {
		w.logger.Error("seed file reload rejected", "path", w.path, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ApplySeed(ctx, w.store, seed); err != nil {
		w.logger.Error("seed file apply failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("seed file re-applied", "path", w.path, "users", len(seed.Users))
}

func (w *SeedWatcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
