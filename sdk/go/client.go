package buildmlsdk

import (
	"bufio"
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

// Client is a minimal BuildML HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// DataSource describes where training data comes from.
type DataSource struct {
	Type           string `json:"type"`
	FileName       string `json:"file_name,omitempty"`
	FileSize       int64  `json:"file_size,omitempty"`
	BucketURL      string `json:"bucket_url,omitempty"`
	Region         string `json:"region,omitempty"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// Metrics are the evaluation numbers of a completed model.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
}

// Model represents the API model resource.
type Model struct {
	ID                 string     `json:"id"`
	OwnerID            string     `json:"owner_id"`
	Name               string     `json:"name"`
	ProblemDescription string     `json:"problem_description"`
	DataSource         DataSource `json:"data_source"`
	Status             string     `json:"status"`
	CreatedAt          string     `json:"created_at"`
	UpdatedAt          string     `json:"updated_at"`
	CompletedAt        string     `json:"completed_at,omitempty"`
	APIEndpoint        string     `json:"api_endpoint,omitempty"`
	APIKey             string     `json:"api_key,omitempty"`
	Metrics            *Metrics   `json:"metrics,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// Terminal reports whether the model has left training.
func (m Model) Terminal() bool {
	return m.Status == "completed" || m.Status == "failed"
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Key represents an access key listing entry.
type Key struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key holds the raw key; only set on creation responses.
	Key string `json:"key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateModel creates a model and starts its training run. Name may be
// empty; the server derives one from the problem description.
func (c *Client) CreateModel(ctx context.Context, name, problemDescription string, source DataSource) (Model, error) {
	body := map[string]any{
		"problem_description": problemDescription,
		"data_source":         source,
	}
	if name != "" {
		body["name"] = name
	}
	var resp Model
	err := c.do(ctx, http.MethodPost, "v1/models", body, &resp)
	return resp, err
}

// GetModel fetches one model by id.
func (c *Client) GetModel(ctx context.Context, id string) (Model, error) {
	var resp Model
	err := c.do(ctx, http.MethodGet, "v1/models/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListModels returns the caller's models, newest first.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	var resp struct {
		Items []Model `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/models", nil, &resp)
	return resp.Items, err
}

// RenameModel changes a model's display name.
func (c *Client) RenameModel(ctx context.Context, id, name string) (Model, error) {
	var resp Model
	err := c.do(ctx, http.MethodPatch, "v1/models/"+url.PathEscape(id), map[string]any{"name": name}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateKey mints an access key; the Key field of the result holds the
// raw key and is not retrievable again.
func (c *Client) CreateKey(ctx context.Context, name string) (Key, error) {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}
	var resp Key
	err := c.do(ctx, http.MethodPost, "v1/keys", body, &resp)
	return resp, err
}

// ListKeys returns the caller's access keys.
func (c *Client) ListKeys(ctx context.Context) ([]Key, error) {
	var resp struct {
		Items []Key `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/keys", nil, &resp)
	return resp.Items, err
}

// RevokeKey deletes an access key.
func (c *Client) RevokeKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v1/keys/"+url.PathEscape(id), nil, nil)
}

// WatchModel opens the model's snapshot stream. Snapshots arrive on
// the returned channel, starting with the current state; the channel
// closes when the stream ends or ctx is canceled. Cancel ctx to stop.
func (c *Client) WatchModel(ctx context.Context, id string) (<-chan Model, error) {
	return c.watch(ctx, "v1/models/"+url.PathEscape(id)+"/watch")
}

// WatchModels opens the stream of the caller's full model set. Each
// delivery is the set as of a change, newest first, starting with the
// current set.
func (c *Client) WatchModels(ctx context.Context) (<-chan []Model, error) {
	body, err := c.openStream(ctx, "v1/models/watch")
	if err != nil {
		return nil, err
	}
	out := make(chan []Model)
	go func() {
		defer close(out)
		defer body.Close()
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			var msg struct {
				Data []Model `json:"data"`
			}
			if !decodeFrame(scanner.Text(), &msg) {
				continue
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) watch(ctx context.Context, endpoint string) (<-chan Model, error) {
	body, err := c.openStream(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	out := make(chan Model)
	go func() {
		defer close(out)
		defer body.Close()
		scanner := bufio.NewScanner(body)
		for scanner.Scan() {
			var msg struct {
				Data Model `json:"data"`
			}
			if !decodeFrame(scanner.Text(), &msg) {
				continue
			}
			select {
			case out <- msg.Data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) openStream(ctx context.Context, endpoint string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuth(req)
	// Streams outlive the default timeout; use a dedicated client.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp.Body, nil
}

func decodeFrame(line string, out any) bool {
	if !strings.HasPrefix(line, "data: ") {
		return false
	}
	return json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), out) == nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
