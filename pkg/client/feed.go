package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ridemesh/ridemesh/pkg/region"
	"github.com/ridemesh/ridemesh/pkg/store"
)

// Feed is an active change feed subscription to one regional participant.
// The connection lives for the context passed to DialFeed; cancelling it
// closes the socket and makes Next return.
type Feed struct {
	conn      *websocket.Conn
	lastToken *store.ResumeToken
}

// DialFeed opens the participant's /changes/stream WebSocket, subscribes
// with after-image lookup enabled and waits for the connected ack.
// resumeAfter may be nil to start from the current position.
func DialFeed(ctx context.Context, baseURL string, resumeAfter *store.ResumeToken) (*Feed, error) {
	wsURL := strings.Replace(baseURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL += "/changes/stream"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial change feed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	req := region.FeedRequest{
		ResumeAfter:  resumeAfter,
		FullDocument: string(store.FullDocumentUpdateLookup),
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send subscribe request: %w", err)
	}

	var ack region.FeedResponse
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read subscribe ack: %w", err)
	}
	if ack.Type == "error" {
		conn.Close()
		if ack.Error == region.FeedErrResumeLost {
			return nil, store.ErrResumeLost
		}
		return nil, fmt.Errorf("change feed refused: %s", ack.Error)
	}
	if ack.Type != "connected" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", ack.Type)
	}

	f := &Feed{conn: conn, lastToken: resumeAfter}

	// Tie the connection's lifetime to the context.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return f, nil
}

// Next returns the next change event, skipping heartbeats. A server error
// frame reporting a lost resume position is returned as store.ErrResumeLost.
func (f *Feed) Next() (*store.ChangeEvent, error) {
	for {
		var frame region.FeedResponse
		if err := f.conn.ReadJSON(&frame); err != nil {
			return nil, fmt.Errorf("change feed read failed: %w", err)
		}
		switch frame.Type {
		case "heartbeat":
			continue
		case "event":
			if frame.Event != nil {
				token := frame.Event.ID
				f.lastToken = &token
			}
			return frame.Event, nil
		case "error":
			if frame.Error == region.FeedErrResumeLost {
				return nil, store.ErrResumeLost
			}
			return nil, fmt.Errorf("change feed error: %s", frame.Error)
		default:
			continue
		}
	}
}

// ResumeToken returns the token of the last received event, nil when none.
func (f *Feed) ResumeToken() *store.ResumeToken {
	return f.lastToken
}

// Close closes the underlying connection.
func (f *Feed) Close() error {
	return f.conn.Close()
}
