// Package comfytest runs an in-process fake of the ComfyUI HTTP surface
// for tests: prompt submission, history, outputs, interrupt, system stats,
// object info, and the websocket event stream. The fake is scripted with
// an Outcome describing how each submitted prompt should conclude.
package comfytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Image is one output file a scripted prompt produces.
type Image struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Frame is one websocket event to push after a submission.
type Frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Outcome scripts how submitted prompts conclude.
type Outcome struct {
	// State is the terminal history state: "success" or "error".
	State string
	// ErrorNode and ErrorMessage populate the execution_error record when
	// State is "error".
	ErrorNode    string
	ErrorMessage string
	// PollsUntilDone is how many history polls report the prompt still
	// running before the terminal entry appears.
	PollsUntilDone int
	// FailStatusPolls makes the first N history requests answer 500, for
	// exercising transient retry handling.
	FailStatusPolls int
	// Outputs maps node id to produced images on success.
	Outputs map[string][]Image
	// OutputOrder fixes the document order of the history outputs object;
	// unlisted nodes follow in sorted order. Defaults to sorted node ids.
	OutputOrder []string
	// Events overrides the synthesized websocket frames.
	Events []Frame
}

// Submission records one accepted prompt.
type Submission struct {
	PromptID string
	ClientID string
	Prompt   json.RawMessage
}

// Server is the fake. Create with New, stop with Close.
type Server struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	// RequireToken, when set, rejects requests without the matching
	// bearer token. Set before the first request.
	RequireToken string
	// ObjectInfo is the /object_info response body.
	ObjectInfo []byte

	mu          sync.Mutex
	outcome     Outcome
	submissions []Submission
	polls       map[string]int
	statusFails int
	interrupts  int
	conns       []*websocket.Conn
	frameLog    []Frame

	wmu sync.Mutex
}

// New starts a fake server scripted with the given outcome.
func New(outcome Outcome) *Server {
	s := &Server{
		outcome:    outcome,
		polls:      make(map[string]int),
		ObjectInfo: []byte(`{}`),
	}

	r := chi.NewRouter()
	r.Use(s.authMiddleware)
	r.Post("/prompt", s.handlePrompt)
	r.Get("/history/{promptID}", s.handleHistory)
	r.Get("/object_info", s.handleObjectInfo)
	r.Get("/system_stats", s.handleSystemStats)
	r.Post("/interrupt", s.handleInterrupt)
	r.Get("/view", s.handleView)
	r.Get("/ws", s.handleWS)

	s.ts = httptest.NewServer(r)
	return s
}

// URL returns the fake's base URL.
func (s *Server) URL() string { return s.ts.URL }

// Close stops the fake and drops any open websocket connections.
func (s *Server) Close() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.ts.Close()
}

// SetOutcome replaces the script for subsequent submissions.
func (s *Server) SetOutcome(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
	s.statusFails = 0
	s.polls = make(map[string]int)
	s.frameLog = nil
}

// Submissions returns the prompts accepted so far.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Interrupts returns how many interrupt requests arrived.
func (s *Server) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupts
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RequireToken != "" {
			want := "Bearer " + s.RequireToken
			if r.Header.Get("Authorization") != want {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   json.RawMessage `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	promptID := uuid.NewString()

	s.mu.Lock()
	s.submissions = append(s.submissions, Submission{
		PromptID: promptID,
		ClientID: req.ClientID,
		Prompt:   req.Prompt,
	})
	frames := s.outcome.Events
	if frames == nil {
		frames = synthesizeFrames(promptID, s.outcome)
	}
	s.frameLog = append(s.frameLog, frames...)
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()

	go s.push(conns, frames)
	writeJSON(w, map[string]string{"prompt_id": promptID})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")

	s.mu.Lock()
	outcome := s.outcome
	if s.statusFails < outcome.FailStatusPolls {
		s.statusFails++
		s.mu.Unlock()
		http.Error(w, "transient failure", http.StatusInternalServerError)
		return
	}
	known := false
	for _, sub := range s.submissions {
		if sub.PromptID == promptID {
			known = true
		}
	}
	s.polls[promptID]++
	done := s.polls[promptID] > outcome.PollsUntilDone
	s.mu.Unlock()

	if !known || !done {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, map[string]any{promptID: historyEntry(outcome)})
}

func historyEntry(outcome Outcome) map[string]any {
	statusStr := outcome.State
	if statusStr == "" {
		statusStr = "success"
	}
	entry := map[string]any{
		"status": map[string]any{
			"status_str": statusStr,
			"completed":  statusStr == "success",
			"messages":   statusMessages(outcome),
		},
	}
	entry["outputs"] = orderedOutputs{
		order:  outputNodeOrder(outcome),
		images: outcome.Outputs,
	}
	return entry
}

// outputNodeOrder applies OutputOrder first, then any remaining nodes in
// sorted order.
func outputNodeOrder(outcome Outcome) []string {
	seen := make(map[string]bool, len(outcome.OutputOrder))
	var order []string
	for _, node := range outcome.OutputOrder {
		if _, ok := outcome.Outputs[node]; ok && !seen[node] {
			seen[node] = true
			order = append(order, node)
		}
	}
	var rest []string
	for node := range outcome.Outputs {
		if !seen[node] {
			rest = append(rest, node)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// orderedOutputs marshals the history outputs object with node keys in a
// fixed document order, which plain map marshalling (sorted keys) cannot
// script.
type orderedOutputs struct {
	order  []string
	images map[string][]Image
}

func (o orderedOutputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, node := range o.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(node)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteString(`:{"images":`)
		images, err := json.Marshal(o.images[node])
		if err != nil {
			return nil, err
		}
		buf.Write(images)
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func statusMessages(outcome Outcome) []any {
	if outcome.State != "error" {
		return []any{}
	}
	return []any{
		[]any{"execution_error", map[string]any{
			"node_id":           outcome.ErrorNode,
			"exception_message": outcome.ErrorMessage,
		}},
	}
}

func (s *Server) handleObjectInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.ObjectInfo)
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"system": map[string]any{"os": "comfytest", "comfyui_version": "fake"},
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.interrupts++
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// handleView serves deterministic bytes derived from the query so download
// tests can assert on content.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("filename") == "" {
		http.Error(w, "missing filename", http.StatusBadRequest)
		return
	}
	fmt.Fprintf(w, "fake-bytes:%s/%s", q.Get("subfolder"), q.Get("filename"))
}

// handleWS upgrades the connection and replays frames pushed before this
// client connected. The real server streams only from connect time, but
// the executor dials after submitting, so the fake replays to keep
// scripted runs observable.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	backlog := append([]Frame(nil), s.frameLog...)
	s.mu.Unlock()

	s.push([]*websocket.Conn{conn}, backlog)
	// Drain the read side so pings and client closes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// push writes frames to the given connections; writes are serialized so a
// live push never interleaves with a connect-time replay.
func (s *Server) push(conns []*websocket.Conn, frames []Frame) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, frame := range frames {
		data, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		for _, c := range conns {
			c.WriteMessage(websocket.TextMessage, data)
		}
	}
}

func synthesizeFrames(promptID string, outcome Outcome) []Frame {
	frames := []Frame{
		{Type: "executing", Data: map[string]any{"node": "1", "prompt_id": promptID}},
		{Type: "progress", Data: map[string]any{"value": 1, "max": 2, "prompt_id": promptID}},
	}
	if outcome.State == "error" {
		frames = append(frames, Frame{Type: "execution_error", Data: map[string]any{
			"prompt_id":         promptID,
			"node_id":           outcome.ErrorNode,
			"exception_message": outcome.ErrorMessage,
		}})
	} else {
		frames = append(frames, Frame{Type: "execution_success", Data: map[string]any{
			"prompt_id": promptID,
		}})
	}
	return frames
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// WSURL converts the server's base URL to its websocket endpoint, for
// tests dialing directly.
func (s *Server) WSURL(clientID string) string {
	base := strings.Replace(s.ts.URL, "http://", "ws://", 1)
	return base + "/ws?clientId=" + url.QueryEscape(clientID)
}
