package calsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type SalesmapHTTPClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPSalesmapClient talks to the Salesmap v2 REST API with one user's
// API key.
type HTTPSalesmapClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPSalesmapClient(opts SalesmapHTTPClientOptions) *HTTPSalesmapClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.salesmap.kr/v2"
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
	return &HTTPSalesmapClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPSalesmapClient) SetDealStage(ctx context.Context, dealID, stageID string) error {
	if strings.TrimSpace(dealID) == "" || strings.TrimSpace(stageID) == "" {
		return ErrInvalidInput
	}
	body := map[string]string{"stage_id": stageID}
	return c.doJSON(ctx, http.MethodPatch, "/deals/"+url.PathEscape(dealID), body, nil)
}

func (c *HTTPSalesmapClient) GetDeal(ctx context.Context, dealID string) (Deal, error) {
	if strings.TrimSpace(dealID) == "" {
		return Deal{}, ErrInvalidInput
	}
	var deal Deal
	if err := c.doJSON(ctx, http.MethodGet, "/deals/"+url.PathEscape(dealID), nil, &deal); err != nil {
		return Deal{}, err
	}
	return deal, nil
}

type salesmapPipelineReply struct {
	Success bool `json:"success"`
	Data    struct {
		PipelineList []struct {
			ID                string `json:"id"`
			Name              string `json:"name"`
			PipelineStageList []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"pipelineStageList"`
		} `json:"pipeLineList"`
	} `json:"data"`
}

func (c *HTTPSalesmapClient) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var reply salesmapPipelineReply
	if err := c.doJSON(ctx, http.MethodGet, "/pipeline", nil, &reply); err != nil {
		return nil, err
	}
	if !reply.Success {
		return nil, fmt.Errorf("salesmap pipeline list reply was not successful")
	}
	pipelines := make([]Pipeline, 0, len(reply.Data.PipelineList))
	for _, item := range reply.Data.PipelineList {
		pipeline := Pipeline{ID: item.ID, Name: item.Name}
		for _, stage := range item.PipelineStageList {
			pipeline.Stages = append(pipeline.Stages, PipelineStage{ID: stage.ID, Name: stage.Name})
		}
		pipelines = append(pipelines, pipeline)
	}
	return pipelines, nil
}

// PipelineStages resolves the stages of one pipeline from the full
// pipeline listing.
func (c *HTTPSalesmapClient) PipelineStages(ctx context.Context, pipelineID string) ([]PipelineStage, error) {
	pipelines, err := c.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	for _, pipeline := range pipelines {
		if pipeline.ID == pipelineID {
			return pipeline.Stages, nil
		}
	}
	return nil, fmt.Errorf("%w: pipeline %s", ErrNotFound, pipelineID)
}

func (c *HTTPSalesmapClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("salesmap client is nil")
	}
	if c.apiKey == "" {
		return fmt.Errorf("salesmap api key is empty")
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
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, backoffDelay(attempt+1, "", c.baseDelay, c.maxDelay)); waitErr != nil {
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
			if waitErr := sleepContext(ctx, backoffDelay(attempt+1, resp.Header.Get("Retry-After"), c.baseDelay, c.maxDelay)); waitErr != nil {
				return waitErr
			}
			continue
		}

		return gatewayErrorFromBody(resp.StatusCode, respBody)
	}
}

func NewSalesmapClientFactory(baseURL string, httpClient *http.Client) DealClientFactory {
	return func(apiKey string) DealGateway {
		return NewHTTPSalesmapClient(SalesmapHTTPClientOptions{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			HTTPClient: httpClient,
		})
	}
}
