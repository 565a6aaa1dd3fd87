// Package reflexion is a typed client for the Neural-Reflexion REST API.
package reflexion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Runs execute in the background, so requests stay short.
const DefaultHTTPTimeout = 15 * time.Second

// Run statuses reported by the API.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Export formats accepted by Export.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatJSON     = "json"
	FormatText     = "text"
)

// Client wraps the HTTP interactions with the reflexion daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	token      string
}

// RunSubmission is the payload required to queue a new run.
type RunSubmission struct {
	ID            string `json:"id,omitempty"`
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// Source is a search result gathered during a run.
type Source struct {
	Query   string `json:"query"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Reference is one entry of an answer's References block.
type Reference struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
	URL    string `json:"url,omitempty"`
}

// Iteration is one revision recorded in a run trace.
type Iteration struct {
	Index      int         `json:"index"`
	Answer     string      `json:"answer"`
	Critique   string      `json:"critique"`
	Searched   []string    `json:"searched_queries"`
	Queries    []string    `json:"queries"`
	Results    []Source    `json:"results"`
	References []Reference `json:"references,omitempty"`
	Score      float64     `json:"score"`
}

// RunState is the outcome, final or partial, of a reflexion run.
type RunState struct {
	Prompt        string      `json:"prompt"`
	Phase         string      `json:"phase"`
	Answer        string      `json:"answer"`
	Critique      string      `json:"critique"`
	Sources       []Source    `json:"sources"`
	References    []Reference `json:"references,omitempty"`
	Iterations    int         `json:"iterations"`
	MaxIterations int         `json:"max_iterations"`
	Trace         []Iteration `json:"trace"`
	StopReason    string      `json:"stop_reason,omitempty"`
	Error         string      `json:"error,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	FinishedAt    time.Time   `json:"finished_at"`
}

// FinalScore returns the score of the last revision, or 0 without one.
func (r *RunState) FinalScore() float64 {
	if r == nil || len(r.Trace) == 0 {
		return 0
	}
	return r.Trace[len(r.Trace)-1].Score
}

// Task is a queued run together with its bookkeeping.
type Task struct {
	ID            string    `json:"id"`
	Prompt        string    `json:"prompt"`
	MaxIterations int       `json:"max_iterations,omitempty"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	MaxRetries    int       `json:"max_retries"`
	LastError     string    `json:"last_error,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	Run           *RunState `json:"run,omitempty"`
	CreatedAt     int64     `json:"created_at"`
	UpdatedAt     int64     `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	switch t.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Stats aggregates run counts.
type Stats struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Running         int     `json:"running"`
	Succeeded       int     `json:"succeeded"`
	Failed          int     `json:"failed"`
	Canceled        int     `json:"canceled"`
	AverageScore    float64 `json:"average_score"`
	OldestUpdatedAt int64   `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64   `json:"newest_updated_at,omitempty"`
}

// ListOptions filters run history. Zero values are omitted.
type ListOptions struct {
	Limit       int
	Offset      int
	Statuses    []string
	StopReasons []string
	MinScore    float64
	Query       string
	Ascending   bool
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		v.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(o.Statuses) > 0 {
		v.Set("status", strings.Join(o.Statuses, ","))
	}
	if len(o.StopReasons) > 0 {
		v.Set("stop_reason", strings.Join(o.StopReasons, ","))
	}
	if o.MinScore > 0 {
		v.Set("min_score", strconv.FormatFloat(o.MinScore, 'f', -1, 64))
	}
	if o.Query != "" {
		v.Set("q", o.Query)
	}
	if o.Ascending {
		v.Set("order", "asc")
	}
	return v
}

// Side summarises one run in a comparison.
type Side struct {
	ID         string    `json:"id,omitempty"`
	Prompt     string    `json:"prompt"`
	Answer     string    `json:"answer"`
	Iterations int       `json:"iterations"`
	FinalScore float64   `json:"final_score"`
	Scores     []float64 `json:"scores"`
	StopReason string    `json:"stop_reason,omitempty"`
	Sources    int       `json:"sources"`
}

// Comparison places two runs side by side.
type Comparison struct {
	Left          Side     `json:"left"`
	Right         Side     `json:"right"`
	ScoreDelta    float64  `json:"score_delta"`
	SharedSources []string `json:"shared_sources"`
}

// HistorySource is a source seen in a recent succeeded run.
type HistorySource struct {
	URL    string `json:"url"`
	Title  string `json:"title"`
	Query  string `json:"query"`
	TaskID string `json:"task_id"`
}

// Credential reports whether a provider key is configured.
type Credential struct {
	Name    string `json:"name"`
	EnvVar  string `json:"env_var,omitempty"`
	Present bool   `json:"present"`
}

// ServiceStatus describes the providers used by the daemon.
type ServiceStatus struct {
	LLMProvider    string       `json:"llm_provider"`
	SearchProvider string       `json:"search_provider"`
	TaskStore      string       `json:"task_store"`
	TaskQueue      string       `json:"task_queue"`
	Credentials    []Credential `json:"credentials"`
	AuthEnabled    bool         `json:"auth_enabled"`
}

// APIError represents server side validation or internal errors.
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
		return fmt.Sprintf("reflexion api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("reflexion api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the reflexion API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
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

// SetToken configures the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

// SubmitRun queues a new run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Task, error) {
	var t Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetRun fetches a run by identifier.
func (c *Client) GetRun(ctx context.Context, id string) (Task, error) {
	var t Task
	if err := c.get(ctx, "/api/v1/tasks/"+id, nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListRuns returns run history, most recently updated first unless
// opts.Ascending is set.
func (c *Client) ListRuns(ctx context.Context, opts ListOptions) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", opts.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Stats returns aggregate counts for runs matching opts.
func (c *Client) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/tasks/stats", opts.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// CancelRun cancels a pending or running run. A running run stops at the
// next step boundary, so the returned task may still report running.
func (c *Client) CancelRun(ctx context.Context, id string) (Task, error) {
	var t Task
	if err := c.post(ctx, "/api/v1/tasks/"+id+"/cancel", nil, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Export downloads the final answer or trace of a run in the given format.
func (c *Client) Export(ctx context.Context, id, format string) ([]byte, error) {
	query := url.Values{}
	if format != "" {
		query.Set("format", format)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tasks/"+id+"/export", query, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}

// Compare places two runs side by side.
func (c *Client) Compare(ctx context.Context, left, right string) (Comparison, error) {
	var cmp Comparison
	query := url.Values{"left": {left}, "right": {right}}
	if err := c.get(ctx, "/api/v1/tasks/compare", query, &cmp); err != nil {
		return Comparison{}, err
	}
	return cmp, nil
}

// Sources returns the deduplicated sources of recent succeeded runs.
func (c *Client) Sources(ctx context.Context, limit int) ([]HistorySource, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var sources []HistorySource
	if err := c.get(ctx, "/api/v1/sources", query, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// Status reports provider names and credential presence.
func (c *Client) Status(ctx context.Context) (ServiceStatus, error) {
	var status ServiceStatus
	if err := c.get(ctx, "/api/v1/status", nil, &status); err != nil {
		return ServiceStatus{}, err
	}
	return status, nil
}

// WaitForCompletion polls a run until it reaches a terminal status or ctx
// ends. A non-positive interval defaults to one second.
func (c *Client) WaitForCompletion(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := c.GetRun(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if t.Done() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
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
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
