package websocket

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
)

type received struct {
	Type           string                 `json:"type"`
	ConversationID string                 `json:"conversation_id"`
	Data           map[string]interface{} `json:"data"`
	Timestamp      string                 `json:"timestamp"`
}

func newTestClient(userID string, buffer int) *Client {
	return NewClient(nil, &entity.Identity{UserID: userID, DisplayName: "user " + userID}, buffer)
}

// drain returns every frame queued for c without blocking.
func drain(t *testing.T, c *Client) []received {
	t.Helper()
	var out []received
	for {
		select {
		case frame := <-c.send:
			var r received
			require.NoError(t, json.Unmarshal(frame, &r))
			out = append(out, r)
		default:
			return out
		}
	}
}

func types(frames []received) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}
