package agentflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the agentflowd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// RunSubmission is the payload accepted by POST /api/v1/runs. At least one of
// BenchmarkID and Prompt is required.
type RunSubmission struct {
	ID          string            `json:"id,omitempty"`
	BenchmarkID string            `json:"benchmark_id,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	KeyMap      map[string]string `json:"key_map,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
}

// RunResult is the scored outcome of a finished run.
type RunResult struct {
	ExecutionID      string   `json:"execution_id"`
	Summary          string   `json:"summary"`
	Success          bool     `json:"success"`
	Aborted          bool     `json:"aborted,omitempty"`
	Category         string   `json:"category,omitempty"`
	StepsTotal       int      `json:"steps_total"`
	StepsFailed      int      `json:"steps_failed"`
	EntryValueUSD    float64  `json:"entry_value_usd"`
	ExitValueUSD     float64  `json:"exit_value_usd"`
	Score            float64  `json:"score"`
	AssertionsPassed int      `json:"assertions_passed"`
	AssertionsFailed int      `json:"assertions_failed"`
	Signatures       []string `json:"signatures,omitempty"`
}

// Run is the server side view of a queued or finished run.
type Run struct {
	ID          string            `json:"id"`
	BenchmarkID string            `json:"benchmark_id,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	KeyMap      map[string]string `json:"key_map,omitempty"`
	Status      string            `json:"status"`
	Attempts    int               `json:"attempts"`
	MaxRetries  int               `json:"max_retries"`
	Terminal    bool              `json:"terminal,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	Result      *RunResult        `json:"result,omitempty"`
	CreatedAt   int64             `json:"created_at"`
	UpdatedAt   int64             `json:"updated_at"`
}

// Done reports whether the run will not change any more.
func (r Run) Done() bool {
	return r.Status == "succeeded" || (r.Status == "failed" && r.Terminal)
}

// Stats aggregates run counts as returned by /api/v1/runs/stats.
type Stats struct {
	Total        int     `json:"total"`
	Pending      int     `json:"pending"`
	Running      int     `json:"running"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	Scored       int     `json:"scored"`
	AverageScore float64 `json:"average_score"`
}

// Benchmark summarises one loaded test case.
type Benchmark struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Steps       int      `json:"steps"`
	Assertions  int      `json:"assertions"`
}

// ListQuery filters ListRuns. Zero values are omitted.
type ListQuery struct {
	Statuses    []string
	BenchmarkID string
	Query       string
	Limit       int
	Offset      int
	// Order is "desc" (default), "asc" or "score".
	Order    string
	MinScore *float64
}

func (q ListQuery) values() url.Values {
	v := url.Values{}
	for _, status := range q.Statuses {
		v.Add("status", status)
	}
	if q.BenchmarkID != "" {
		v.Set("benchmark", q.BenchmarkID)
	}
	if q.Query != "" {
		v.Set("q", q.Query)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Order != "" {
		v.Set("order", q.Order)
	}
	if q.MinScore != nil {
		v.Set("min_score", strconv.FormatFloat(*q.MinScore, 'f', -1, 64))
	}
	return v
}

// APIError is returned for every non 2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the agentflowd API. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SubmitRun queues a run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var run Run
	if err := c.post(ctx, "/api/v1/runs", submission, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, id string) (Run, error) {
	if strings.TrimSpace(id) == "" {
		return Run{}, errors.New("agentflow: run id is empty")
	}
	var run Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns the runs matching q.
func (c *Client) ListRuns(ctx context.Context, q ListQuery) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, "/api/v1/runs", q.values(), &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// Stats returns aggregate counts over all runs.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/runs/stats", nil, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Benchmarks lists the test cases loaded by the server.
func (c *Client) Benchmarks(ctx context.Context) ([]Benchmark, error) {
	var out []Benchmark
	if err := c.get(ctx, "/api/v1/benchmarks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitForRun polls GetRun every interval until the run is done or ctx ends.
func (c *Client) WaitForRun(ctx context.Context, id string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return Run{}, err
		}
		if run.Done() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.currentToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		// plain text bodies come from the auth middleware
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
