package region

import "github.com/ridemesh/ridemesh/pkg/store"

// FeedRequest is the first frame a change feed subscriber sends after the
// WebSocket upgrade on /changes/stream.
type FeedRequest struct {
	ResumeAfter  *store.ResumeToken `json:"resumeAfter,omitempty"`
	FullDocument string             `json:"fullDocument,omitempty"`
}

// FeedResponse is a frame sent to a change feed subscriber.
type FeedResponse struct {
	Type    string             `json:"type"` // "connected", "event", "error", "heartbeat"
	Event   *store.ChangeEvent `json:"event,omitempty"`
	Error   string             `json:"error,omitempty"`
	Message string             `json:"message,omitempty"`
}

// FeedErrResumeLost is the wire form of store.ErrResumeLost; subscribers
// match on it to trigger a full resync.
const FeedErrResumeLost = "resume token no longer available"
