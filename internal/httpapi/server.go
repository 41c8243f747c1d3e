package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/salespipe/calsync/internal/calsync"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Logger             *slog.Logger
}

type Server struct {
	store       calsync.Store
	registry    *calsync.Registry
	dispatcher  *calsync.Dispatcher
	calendars   calsync.CalendarClientFactory
	deals       calsync.DealClientFactory
	activity    *calsync.ActivityHub
	logger      *slog.Logger
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type ServerOptions struct {
	Store      calsync.Store
	Registry   *calsync.Registry
	Dispatcher *calsync.Dispatcher
	Calendars  calsync.CalendarClientFactory
	Deals      calsync.DealClientFactory
	Activity   *calsync.ActivityHub
	Config     ServerConfig
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       opts.Store,
		registry:    opts.Registry,
		dispatcher:  opts.Dispatcher,
		calendars:   opts.Calendars,
		deals:       opts.Deals,
		activity:    opts.Activity,
		logger:      logger,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/webhook/calendar" && r.Method == http.MethodPost {
		s.handleCalendarWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/renew" && r.Method == http.MethodPost {
		s.handleInternalRenew(w, r)
		return
	}
	if r.URL.Path == "/v1/activity/stream" && r.Method == http.MethodGet {
		s.handleActivityStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodPost:
		requiredScope = "channels:write"
		route = "setup_channels"
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodGet:
		requiredScope = "channels:read"
		route = "list_channels"
	case len(parts) == 5 && parts[3] == "channels" && r.Method == http.MethodDelete:
		requiredScope = "channels:write"
		route = "teardown_channel"
	case len(parts) == 6 && parts[3] == "channels" && parts[5] == "renew" && r.Method == http.MethodPost:
		requiredScope = "channels:write"
		route = "renew_channel"
	case len(parts) == 4 && parts[3] == "mappings" && r.Method == http.MethodGet:
		requiredScope = "mappings:read"
		route = "list_mappings"
	case len(parts) == 5 && parts[3] == "mappings" && r.Method == http.MethodPut:
		requiredScope = "mappings:write"
		route = "put_mapping"
	case len(parts) == 5 && parts[3] == "mappings" && r.Method == http.MethodDelete:
		requiredScope = "mappings:write"
		route = "delete_mapping"
	case len(parts) == 4 && parts[3] == "calendars" && r.Method == http.MethodGet:
		requiredScope = "channels:read"
		route = "list_calendars"
	case len(parts) == 4 && parts[3] == "pipelines" && r.Method == http.MethodGet:
		requiredScope = "mappings:read"
		route = "list_pipelines"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, userID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "setup_channels":
		s.handleSetupChannels(w, r, userID, correlationID)
	case "list_channels":
		s.handleListChannels(w, r, userID, correlationID)
	case "teardown_channel":
		s.handleTeardownChannel(w, r, userID, pathSegment(parts[4]), correlationID)
	case "renew_channel":
		s.handleRenewChannel(w, r, userID, pathSegment(parts[4]), correlationID)
	case "list_mappings":
		s.handleListMappings(w, r, userID, correlationID)
	case "put_mapping":
		s.handlePutMapping(w, r, userID, pathSegment(parts[4]), correlationID)
	case "delete_mapping":
		s.handleDeleteMapping(w, r, userID, pathSegment(parts[4]), correlationID)
	case "list_calendars":
		s.handleListCalendars(w, r, userID, correlationID)
	case "list_pipelines":
		s.handleListPipelines(w, r, userID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleCalendarWebhook acknowledges every push unconditionally before
// any processing: the upstream source enforces tight response limits
// and backs off aggressively on slow or failing responses. Whatever
// happens after the 200 is the dispatcher's problem, never the
// caller's.
func (s *Server) handleCalendarWebhook(w http.ResponseWriter, r *http.Request) {
	notification, err := calsync.NotificationFromHeader(r.Header)

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK")

	if err != nil {
		s.logger.Warn("webhook push missing required headers, acknowledged and dropped", "error", err)
		return
	}
	s.logger.Info("calendar notification received",
		"channelId", notification.ChannelID,
		"resourceId", notification.ResourceID,
		"resourceState", notification.RawState)
	if s.dispatcher != nil {
		s.dispatcher.TryEnqueue(notification)
	}
}

type internalRenewRequest struct {
	Within string `json:"within,omitempty"`
}

func (s *Server) handleInternalRenew(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Calsync-Timestamp"),
		r.Header.Get("X-Calsync-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	var req internalRenewRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	within := 24 * time.Hour
	if req.Within != "" {
		parsed, err := time.ParseDuration(req.Within)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid renewal window", correlationID)
			return
		}
		within = parsed
	}

	results := s.registry.RenewDueChannels(r.Context(), within)
	writeJSON(w, http.StatusOK, map[string]any{
		"renewed": results,
		"count":   len(results),
	})
}

type setupChannelsRequest struct {
	CalendarIDs []string `json:"calendarIds"`
}

type setupChannelResult struct {
	CalendarID string `json:"calendarId"`
	ChannelID  string `json:"channelId,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// handleSetupChannels is the one user-facing operation where gateway
// failures surface: results are itemized per calendar id for display.
func (s *Server) handleSetupChannels(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var req setupChannelsRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if len(req.CalendarIDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "at least one calendar id is required", correlationID)
		return
	}

	results := make([]setupChannelResult, 0, len(req.CalendarIDs))
	for _, calendarID := range req.CalendarIDs {
		result := setupChannelResult{CalendarID: calendarID}
		channel, err := s.registry.Subscribe(r.Context(), userID, calendarID)
		if err != nil {
			s.logger.Error("channel setup failed",
				"userId", userID,
				"calendarId", calendarID,
				"error", err)
			result.Error = err.Error()
		} else {
			result.Success = true
			result.ChannelID = channel.ChannelID
			result.ResourceID = channel.ResourceID
			result.ExpiresAt = channel.ExpiresAt.Format(time.RFC3339)
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	channels, err := s.store.ListChannels(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if channels == nil {
		channels = []calsync.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleTeardownChannel(w http.ResponseWriter, r *http.Request, userID, calendarID, correlationID string) {
	err := s.registry.Teardown(r.Context(), userID, calendarID)
	if errors.Is(err, calsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no channel for calendar", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRenewChannel(w http.ResponseWriter, r *http.Request, userID, calendarID, correlationID string) {
	channel, err := s.registry.Renew(r.Context(), userID, calendarID)
	if errors.Is(err, calsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown user or calendar", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "gateway_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	mappings, err := s.store.ListMappings(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if mappings == nil {
		mappings = []calsync.Mapping{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})
}

type putMappingRequest struct {
	CalendarName string `json:"calendarName"`
	PipelineID   string `json:"pipelineId"`
	PipelineName string `json:"pipelineName"`
	StageID      string `json:"stageId"`
	StageName    string `json:"stageName"`
	Active       *bool  `json:"active"`
}

func (s *Server) handlePutMapping(w http.ResponseWriter, r *http.Request, userID, calendarID, correlationID string) {
	var req putMappingRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.StageID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "stageId is required", correlationID)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	mapping := calsync.Mapping{
		UserID:       userID,
		CalendarID:   calendarID,
		CalendarName: req.CalendarName,
		PipelineID:   req.PipelineID,
		PipelineName: req.PipelineName,
		StageID:      req.StageID,
		StageName:    req.StageName,
		Active:       active,
	}
	if err := s.store.UpsertMapping(r.Context(), mapping); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	stored, err := s.store.ListMappings(r.Context(), userID)
	if err == nil {
		for _, m := range stored {
			if m.CalendarID == calendarID {
				writeJSON(w, http.StatusOK, m)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, mapping)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request, userID, calendarID, correlationID string) {
	err := s.store.DeleteMapping(r.Context(), userID, calendarID)
	if errors.Is(err, calsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no mapping for calendar", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListCalendars(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, calsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown user", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	calendars, err := s.calendars(user).ListCalendars(r.Context())
	if err != nil {
		s.logger.Error("calendar list fetch failed", "userId", userID, "error", err)
		writeError(w, http.StatusBadGateway, "gateway_error", err.Error(), correlationID)
		return
	}
	if calendars == nil {
		calendars = []calsync.CalendarInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	user, err := s.store.GetUser(r.Context(), userID)
	if errors.Is(err, calsync.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown user", correlationID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	pipelines, err := s.deals(user.SalesmapAPIKey).ListPipelines(r.Context())
	if err != nil {
		s.logger.Error("pipeline list fetch failed", "userId", userID, "error", err)
		writeError(w, http.StatusBadGateway, "gateway_error", err.Error(), correlationID)
		return
	}
	if pipelines == nil {
		pipelines = []calsync.Pipeline{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

// handleActivityStream pushes reconcile outcomes and channel lifecycle
// events over a websocket. A slow consumer loses events rather than
// backpressuring the pipeline.
func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if _, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "activity:read", time.Now().UTC()); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if s.activity == nil {
		writeError(w, http.StatusNotFound, "not_found", "activity feed disabled", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.activity.Subscribe(64)
	defer cancel()

	// The stream is write-only. CloseRead keeps the read side drained
	// and cancels the context when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-events:
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func pathSegment(raw string) string {
	if unescaped, err := url.PathUnescape(raw); err == nil {
		return unescaped
	}
	return raw
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
