// Package connector is the HTTP and websocket client for a running
// ComfyUI server: prompt submission, history polling, output retrieval,
// interruption, and the live event stream.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Error reports a failed server interaction. Status is the HTTP status
// code when the server answered, zero when the transport failed.
type Error struct {
	Op     string
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := "connector: " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// State is the server-side disposition of a submitted workflow.
type State string

const (
	// StateRunning means the prompt has no history entry yet.
	StateRunning State = "running"
	// StateSuccess means the run completed and outputs are available.
	StateSuccess State = "success"
	// StateError means the run failed; RunStatus.Detail carries the
	// server's message.
	StateError State = "error"
)

// RunStatus is the polled disposition of one prompt.
type RunStatus struct {
	State  State
	Detail string
}

// Artifact locates one produced output file on the server.
type Artifact struct {
	NodeID    string
	Filename  string
	Subfolder string
	Type      string
	// URL downloads the artifact through the view endpoint.
	URL string
}

// Event is one frame from the server's websocket stream. PromptID and
// Node are lifted out of Data when the frame carries them.
type Event struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	PromptID string          `json:"-"`
	Node     string          `json:"-"`
}

// defaultTimeout bounds individual HTTP calls, not a whole run.
const defaultTimeout = 30 * time.Second

// Client talks to one server. Safe for concurrent use; the event stream
// is single-open at a time.
type Client struct {
	baseURL  string
	clientID string
	token    string
	httpc    *http.Client

	mu     sync.Mutex
	stream *stream
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends the given bearer token on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds each HTTP call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a Client for the server at baseURL. clientID is echoed back
// by the server to scope the event stream to this client's submissions.
func New(baseURL, clientID string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		httpc:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client was built for.
func (c *Client) BaseURL() string { return c.baseURL }

// ClientID returns the stream-scoping id sent with submissions.
func (c *Client) ClientID() string { return c.clientID }

// SubmitPrompt posts a compiled payload and returns the prompt id the
// server assigned.
func (c *Client) SubmitPrompt(ctx context.Context, payload json.Marshaler) (string, error) {
	body, err := json.Marshal(struct {
		Prompt   json.Marshaler `json:"prompt"`
		ClientID string         `json:"client_id"`
	}{payload, c.clientID})
	if err != nil {
		return "", &Error{Op: "submit", Err: err}
	}
	data, err := c.do(ctx, http.MethodPost, "/prompt", body, "submit")
	if err != nil {
		return "", err
	}
	var resp struct {
		PromptID string `json:"prompt_id"`
		Error    struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &Error{Op: "submit", Detail: "malformed response", Err: err}
	}
	if resp.PromptID == "" {
		return "", &Error{Op: "submit", Detail: "no prompt id in response"}
	}
	return resp.PromptID, nil
}

// historyEntry is the slice of the history document the client reads.
// Outputs stays raw: artifact collection walks it with a token decoder so
// node order follows the document instead of Go map iteration.
type historyEntry struct {
	Status struct {
		StatusStr string  `json:"status_str"`
		Completed bool    `json:"completed"`
		Messages  [][]any `json:"messages"`
	} `json:"status"`
	Outputs json.RawMessage `json:"outputs"`
}

// nodeOutput is one node's record inside the history outputs object.
type nodeOutput struct {
	Images []struct {
		Filename  string `json:"filename"`
		Subfolder string `json:"subfolder"`
		Type      string `json:"type"`
	} `json:"images"`
}

// Status polls the history endpoint for one prompt. A prompt with no
// history entry yet is still running, not an error.
func (c *Client) Status(ctx context.Context, promptID string) (RunStatus, error) {
	entry, found, err := c.history(ctx, promptID)
	if err != nil {
		return RunStatus{}, err
	}
	if !found {
		return RunStatus{State: StateRunning}, nil
	}
	if entry.Status.StatusStr == "error" {
		return RunStatus{State: StateError, Detail: errorDetail(entry)}, nil
	}
	if entry.Status.Completed {
		return RunStatus{State: StateSuccess}, nil
	}
	return RunStatus{State: StateRunning}, nil
}

// FetchOutputs lists the artifacts a completed prompt produced, with view
// URLs ready for download.
func (c *Client) FetchOutputs(ctx context.Context, promptID string) ([]Artifact, error) {
	entry, found, err := c.history(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &Error{Op: "outputs", Detail: "no history for prompt " + promptID}
	}
	if len(entry.Outputs) == 0 {
		return nil, nil
	}

	var artifacts []Artifact
	dec := json.NewDecoder(bytes.NewReader(entry.Outputs))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, &Error{Op: "outputs", Detail: "malformed outputs object"}
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &Error{Op: "outputs", Detail: "malformed outputs object", Err: err}
		}
		nodeID := keyTok.(string)
		var out nodeOutput
		if err := dec.Decode(&out); err != nil {
			return nil, &Error{Op: "outputs", Detail: "malformed outputs for node " + nodeID, Err: err}
		}
		for _, img := range out.Images {
			q := url.Values{}
			q.Set("filename", img.Filename)
			q.Set("subfolder", img.Subfolder)
			q.Set("type", img.Type)
			artifacts = append(artifacts, Artifact{
				NodeID:    nodeID,
				Filename:  img.Filename,
				Subfolder: img.Subfolder,
				Type:      img.Type,
				URL:       c.baseURL + "/view?" + q.Encode(),
			})
		}
	}
	return artifacts, nil
}

// Download streams one artifact's bytes to w.
func (c *Client) Download(ctx context.Context, a Artifact, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return &Error{Op: "download", Err: err}
	}
	c.auth(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &Error{Op: "download", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &Error{Op: "download", Status: resp.StatusCode, Detail: a.Filename}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return &Error{Op: "download", Err: err}
	}
	return nil
}

// Cancel asks the server to interrupt the currently executing prompt.
func (c *Client) Cancel(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/interrupt", nil, "cancel")
	return err
}

// Health probes the server. An answer from the stats endpoint, whatever
// its content, means the server is accepting requests.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/system_stats", nil, "health")
	return err
}

// ObjectInfo fetches the server's node class schema for catalog hydration.
func (c *Client) ObjectInfo(ctx context.Context) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/object_info", nil, "object_info")
}

func (c *Client) history(ctx context.Context, promptID string) (historyEntry, bool, error) {
	data, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, "history")
	if err != nil {
		return historyEntry{}, false, err
	}
	var doc map[string]historyEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return historyEntry{}, false, &Error{Op: "history", Detail: "malformed response", Err: err}
	}
	entry, found := doc[promptID]
	return entry, found, nil
}

// errorDetail flattens the history error messages into one line.
func errorDetail(entry historyEntry) string {
	var parts []string
	for _, msg := range entry.Status.Messages {
		if len(msg) < 2 {
			continue
		}
		kind, _ := msg[0].(string)
		if kind != "execution_error" {
			continue
		}
		data, _ := msg[1].(map[string]any)
		if m, ok := data["exception_message"].(string); ok && m != "" {
			if node, ok := data["node_id"].(string); ok && node != "" {
				m = "node " + node + ": " + m
			}
			parts = append(parts, m)
		}
	}
	if len(parts) == 0 {
		return "execution failed"
	}
	return strings.Join(parts, "; ")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, op string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: op, Status: resp.StatusCode, Detail: snippet(data)}
	}
	return data, nil
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// snippet trims a response body down to an error-message-sized excerpt.
func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// wsURL derives the websocket endpoint from the HTTP base URL.
func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String(), nil
}
