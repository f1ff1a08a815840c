package main

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

	"github.com/Yulian302/lfusys-services-media/models"
	"github.com/Yulian302/lfusys-services-media/services"
	"github.com/Yulian302/lfusys-services-media/stats"
)

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &apiError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) startSession(ctx context.Context, kind models.SessionKind, criteria models.Criteria) (*models.SessionHandle, error) {
	var handle models.SessionHandle
	body := map[string]any{"kind": kind, "criteria": criteria}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

func (c *apiClient) tick(ctx context.Context, id string) (*models.ProgressReport, error) {
	var report models.ProgressReport
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/tick", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *apiClient) progress(ctx context.Context, id string) (*models.ProgressReport, error) {
	var report models.ProgressReport
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *apiClient) cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *apiClient) enqueue(ctx context.Context, attachmentID string, priority string) (*services.EnqueueResult, error) {
	var res services.EnqueueResult
	body := map[string]string{"attachment_id": attachmentID, "priority": priority}
	if err := c.do(ctx, http.MethodPost, "/queue", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) queueStats(ctx context.Context) (*models.QueueStats, error) {
	var st models.QueueStats
	if err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *apiClient) diagnose(ctx context.Context, assetID string) (*services.Diagnosis, error) {
	var d services.Diagnosis
	if err := c.do(ctx, http.MethodGet, "/assets/"+url.PathEscape(assetID)+"/eligibility", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *apiClient) restore(ctx context.Context, assetID string) error {
	return c.do(ctx, http.MethodPost, "/assets/"+url.PathEscape(assetID)+"/restore", nil, nil)
}

func (c *apiClient) totals(ctx context.Context) (map[models.SessionKind]stats.Totals, error) {
	var out map[models.SessionKind]stats.Totals
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// watch ticks the session until it reaches a terminal status, waiting
// interval between ticks.
func watch(ctx context.Context, c *apiClient, id string, interval time.Duration, onReport func(*models.ProgressReport)) (*models.ProgressReport, error) {
	for {
		report, err := c.tick(ctx, id)
		if err != nil {
			return nil, err
		}
		if onReport != nil {
			onReport(report)
		}
		if report.Status.Terminal() {
			return report, nil
		}

		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(interval):
		}
	}
}
