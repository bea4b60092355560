package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIClient talks to the status API of a running spawnd daemon.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetStatus returns the status of every task, or of one task when name is set.
func (c *APIClient) GetStatus(task string) (any, error) {
	u := c.baseURL + "/status"
	if task != "" {
		u = c.baseURL + "/tasks/" + url.PathEscape(task)
	}
	resp, err := c.client.Get(u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result, nil
}

// StopTask asks the daemon to stop every instance of task and returns how
// many it stopped.
func (c *APIClient) StopTask(task string, recursive bool) (int, error) {
	u := c.baseURL + "/tasks/" + url.PathEscape(task) + "/stop?recursive=" + strconv.FormatBool(recursive)
	resp, err := c.client.Post(u, "application/json", nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, decodeAPIError(resp)
	}
	var out struct {
		Stopped int `json:"stopped"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Stopped, nil
}

func decodeAPIError(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: %s", resp.Status)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
