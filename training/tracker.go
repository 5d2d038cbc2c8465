package training

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Tracker records a training run with an experiment tracking backend. The
// trainer only ever talks to this interface, so runs without tracking use
// NoopTracker instead of branching.
type Tracker interface {
	// Init registers the run and its configuration.
	Init(runName string, config map[string]interface{}) error
	// LogMetrics records one epoch row.
	LogMetrics(epoch int, metrics map[string]float64) error
	// Finish marks the run as complete. Called even after interruption.
	Finish() error
}

// NoopTracker discards all tracking calls.
type NoopTracker struct{}

func (NoopTracker) Init(string, map[string]interface{}) error { return nil }
func (NoopTracker) LogMetrics(int, map[string]float64) error  { return nil }
func (NoopTracker) Finish() error                             { return nil }

// TrackerConfig contains configuration for the HTTP tracker
type TrackerConfig struct {
	BaseURL       string        `json:"base_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// DefaultTrackerConfig returns default configuration for the tracker
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// TrackerResponse represents the response from the tracking service
type TrackerResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}

// HTTPTracker reports runs to an experiment tracking service over JSON
// HTTP. Failed posts are retried; a run that cannot be registered degrades
// to an error from Init so the caller can decide whether to continue.
type HTTPTracker struct {
	baseURL       string
	httpClient    *http.Client
	retryAttempts int
	retryDelay    time.Duration
	runID         string
}

// NewHTTPTracker creates a tracker client from config.
func NewHTTPTracker(config TrackerConfig) *HTTPTracker {
	if config.BaseURL == "" {
		config = DefaultTrackerConfig()
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &HTTPTracker{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		retryAttempts: config.RetryAttempts,
		retryDelay:    config.RetryDelay,
	}
}

// Init implements Tracker.
func (t *HTTPTracker) Init(runName string, config map[string]interface{}) error {
	payload := map[string]interface{}{
		"name":   runName,
		"config": config,
	}
	resp, err := t.postWithRetry("/api/runs", payload)
	if err != nil {
		return fmt.Errorf("failed to register run: %w", err)
	}
	t.runID = resp.RunID
	return nil
}

// LogMetrics implements Tracker.
func (t *HTTPTracker) LogMetrics(epoch int, metrics map[string]float64) error {
	if t.runID == "" {
		return fmt.Errorf("tracker not initialized")
	}
	payload := map[string]interface{}{
		"epoch":   epoch,
		"metrics": metrics,
	}
	_, err := t.postWithRetry(fmt.Sprintf("/api/runs/%s/metrics", t.runID), payload)
	if err != nil {
		return fmt.Errorf("failed to log metrics: %w", err)
	}
	return nil
}

// Finish implements Tracker.
func (t *HTTPTracker) Finish() error {
	if t.runID == "" {
		return nil
	}
	_, err := t.postWithRetry(fmt.Sprintf("/api/runs/%s/finish", t.runID), nil)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// CheckHealth checks if the tracking service is available
func (t *HTTPTracker) CheckHealth() error {
	url := fmt.Sprintf("%s/health", t.baseURL)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

func (t *HTTPTracker) postWithRetry(path string, payload interface{}) (*TrackerResponse, error) {
	var lastErr error
	for attempt := 0; attempt < t.retryAttempts; attempt++ {
		resp, err := t.post(path, payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt < t.retryAttempts-1 {
			time.Sleep(t.retryDelay)
		}
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", t.retryAttempts, lastErr)
}

func (t *HTTPTracker) post(path string, payload interface{}) (*TrackerResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := t.baseURL + path
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vesstrain")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var trackerResponse TrackerResponse
	if err := json.Unmarshal(respBody, &trackerResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &trackerResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, trackerResponse.Message)
	}
	return &trackerResponse, nil
}
