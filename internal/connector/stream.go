package connector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// annotate lifts the common identifiers out of the frame body. The node
// field may be a number or a string depending on the emitting component.
func annotate(ev *Event) {
	if len(ev.Data) == 0 {
		return
	}
	var body struct {
		PromptID string          `json:"prompt_id"`
		Node     json.RawMessage `json:"node"`
	}
	if err := json.Unmarshal(ev.Data, &body); err != nil {
		return
	}
	ev.PromptID = body.PromptID
	if len(body.Node) > 0 {
		var s string
		if err := json.Unmarshal(body.Node, &s); err == nil {
			ev.Node = s
		} else {
			ev.Node = string(body.Node)
		}
	}
}

// streamBuffer bounds the event channel. The stream is advisory; when the
// consumer lags, dropping frames is preferred over blocking the reader.
const streamBuffer = 64

type stream struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// OpenStream connects to the server's websocket and returns a channel of
// decoded events. The channel closes when the connection drops, the
// context ends, or CloseStream is called. Only one stream may be open per
// client at a time.
func (c *Client) OpenStream(ctx context.Context) (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil, &Error{Op: "stream", Detail: "stream already open"}
	}

	endpoint, err := c.wsURL()
	if err != nil {
		return nil, &Error{Op: "stream", Err: err}
	}
	header := make(map[string][]string)
	if c.token != "" {
		header["Authorization"] = []string{"Bearer " + c.token}
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		e := &Error{Op: "stream", Err: err}
		if resp != nil {
			e.Status = resp.StatusCode
		}
		return nil, e
	}

	s := &stream{
		conn:   conn,
		events: make(chan Event, streamBuffer),
		done:   make(chan struct{}),
	}
	c.stream = s

	go func() {
		<-ctx.Done()
		s.close()
	}()
	go s.readLoop()
	return s.events, nil
}

// CloseStream tears down the open stream, if any. Idempotent.
func (c *Client) CloseStream() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// close is safe to call from any number of goroutines; CloseStream, the
// context watcher, and the read loop may all race here.
func (s *stream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// readLoop decodes frames until the connection ends. Binary frames carry
// preview image data and are skipped; a consumer that stops draining loses
// frames rather than stalling the read.
func (s *stream) readLoop() {
	defer close(s.events)
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				slog.Debug("event stream closed", "error", err)
				s.close()
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Debug("dropping undecodable event frame", "error", err)
			continue
		}
		annotate(&ev)
		select {
		case s.events <- ev:
		default:
			slog.Debug("dropping event, consumer lagging", "type", ev.Type)
		}
	}
}
