package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"otto/internal/shared/logging"
)

// WSClient subscribes to task event topics over websocket. One connection is
// dialed per (task, concern) topic; the server streams one JSON frame per
// event.
type WSClient struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  logging.Logger
}

// NewWSClient creates a subscriber that dials topics under baseURL
// (ws:// or wss://).
func NewWSClient(baseURL string, logger logging.Logger) *WSClient {
	return &WSClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		logger:  logging.OrNop(logger),
	}
}

// Watch dials the topic endpoint and streams decoded events until ctx is
// cancelled or the connection drops. A malformed frame is logged and
// skipped; one bad event must never kill the subscription.
func (c *WSClient) Watch(ctx context.Context, taskID string, concern Concern) (<-chan Event, error) {
	if taskID == "" {
		return nil, fmt.Errorf("push: task id is required")
	}

	endpoint := fmt.Sprintf("%s/ws/tasks/%s?concern=%s", c.baseURL, url.PathEscape(taskID), url.QueryEscape(string(concern)))
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	ch := make(chan Event, defaultBuffer)

	// Closing the connection on ctx cancel unblocks the read loop.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	go func() {
		defer close(ch)
		defer func() { _ = conn.Close() }()

		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("WSClient: read failed for task=%s concern=%s: %v", taskID, concern, err)
				}
				return
			}

			var event Event
			if err := json.Unmarshal(frame, &event); err != nil {
				c.logger.Warn("WSClient: dropping malformed frame for task=%s concern=%s: %v", taskID, concern, err)
				continue
			}
			if event.TaskID == "" {
				event.TaskID = taskID
			}
			if event.Concern == "" {
				event.Concern = concern
			}

			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

var _ Subscriber = (*WSClient)(nil)
