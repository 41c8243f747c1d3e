package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GatewayError is a non-2xx reply from an upstream gateway.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway %d: %s", e.StatusCode, e.Message)
}

type GoogleHTTPClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPGoogleCalendarClient talks to the Google Calendar v3 REST API for
// one user's credential.
type HTTPGoogleCalendarClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPGoogleCalendarClient(opts GoogleHTTPClientOptions) *HTTPGoogleCalendarClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/calendar/v3"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPGoogleCalendarClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type googleWatchBody struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Address    string `json:"address"`
	Expiration string `json:"expiration,omitempty"`
}

type googleWatchReply struct {
	ID         string `json:"id"`
	ResourceID string `json:"resourceId"`
	Expiration string `json:"expiration"`
}

func (c *HTTPGoogleCalendarClient) Watch(ctx context.Context, calendarID string, req WatchRequest) (WatchResponse, error) {
	if strings.TrimSpace(calendarID) == "" || strings.TrimSpace(req.ChannelID) == "" {
		return WatchResponse{}, ErrInvalidInput
	}
	body := googleWatchBody{
		ID:      req.ChannelID,
		Type:    "web_hook",
		Address: req.Address,
	}
	if !req.Expiration.IsZero() {
		body.Expiration = strconv.FormatInt(req.Expiration.UnixMilli(), 10)
	}
	var reply googleWatchReply
	err := c.doJSON(ctx, http.MethodPost, "/calendars/"+url.PathEscape(calendarID)+"/events/watch", body, &reply)
	if err != nil {
		return WatchResponse{}, err
	}
	expiration := req.Expiration
	if millis, parseErr := strconv.ParseInt(reply.Expiration, 10, 64); parseErr == nil {
		expiration = time.UnixMilli(millis).UTC()
	}
	return WatchResponse{
		ChannelID:  reply.ID,
		ResourceID: reply.ResourceID,
		Expiration: expiration,
	}, nil
}

func (c *HTTPGoogleCalendarClient) Stop(ctx context.Context, channelID, resourceID string) error {
	if strings.TrimSpace(channelID) == "" || strings.TrimSpace(resourceID) == "" {
		return ErrInvalidInput
	}
	body := map[string]string{
		"id":         channelID,
		"resourceId": resourceID,
	}
	return c.doJSON(ctx, http.MethodPost, "/channels/stop", body, nil)
}

func (c *HTTPGoogleCalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*CalendarEvent, error) {
	if strings.TrimSpace(calendarID) == "" || strings.TrimSpace(eventID) == "" {
		return nil, ErrInvalidInput
	}
	var event CalendarEvent
	path := "/calendars/" + url.PathEscape(calendarID) + "/events/" + url.PathEscape(eventID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &event); err != nil {
		var gatewayErr *GatewayError
		if asGatewayError(err, &gatewayErr) && (gatewayErr.StatusCode == http.StatusNotFound || gatewayErr.StatusCode == http.StatusGone) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

type googleCalendarListReply struct {
	Items []struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
		Primary bool   `json:"primary"`
	} `json:"items"`
}

func (c *HTTPGoogleCalendarClient) ListCalendars(ctx context.Context) ([]CalendarInfo, error) {
	var reply googleCalendarListReply
	if err := c.doJSON(ctx, http.MethodGet, "/users/me/calendarList", nil, &reply); err != nil {
		return nil, err
	}
	calendars := make([]CalendarInfo, 0, len(reply.Items))
	for _, item := range reply.Items {
		calendars = append(calendars, CalendarInfo{
			ID:      item.ID,
			Summary: item.Summary,
			Primary: item.Primary,
		})
	}
	return calendars, nil
}

func (c *HTTPGoogleCalendarClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("google calendar client is nil")
	}
	if c.token == "" {
		return fmt.Errorf("google calendar token is empty")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	requestURL := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(respBody) == 0 {
				return nil
			}
			return json.Unmarshal(respBody, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return gatewayErrorFromBody(resp.StatusCode, respBody)
	}
}

func (c *HTTPGoogleCalendarClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	return backoffDelay(attempt, retryAfterHeader, c.baseDelay, c.maxDelay)
}

// NewGoogleCalendarClientFactory builds per-user gateway clients bound
// to one base URL. The returned factory is the pure
// credential-to-client function the registry and reconciler use.
func NewGoogleCalendarClientFactory(baseURL string, httpClient *http.Client) CalendarClientFactory {
	return func(user User) CalendarGateway {
		return NewHTTPGoogleCalendarClient(GoogleHTTPClientOptions{
			BaseURL:    baseURL,
			Token:      user.GoogleToken,
			HTTPClient: httpClient,
		})
	}
}
