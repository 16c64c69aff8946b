package push

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quay/zlog"

	"github.com/cvelab/cvehub"
)

// Event is the wire envelope: one event per message.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
}

// encodeEvent marshals an event, normalizing times to ISO-8601 Z and
// dropping unserializable map fields with a warning instead of rejecting
// the whole event.
func encodeEvent(ctx context.Context, typ string, data any) ([]byte, error) {
	e := Event{
		Type:      typ,
		Data:      sanitize(ctx, data),
		Timestamp: cvehub.ISO8601(time.Now()),
	}
	return json.Marshal(&e)
}

func sanitize(ctx context.Context, data any) any {
	switch v := data.(type) {
	case time.Time:
		return cvehub.ISO8601(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, field := range v {
			if t, ok := field.(time.Time); ok {
				out[k] = cvehub.ISO8601(t)
				continue
			}
			if _, err := json.Marshal(field); err != nil {
				zlog.Warn(ctx).Str("field", k).Err(err).Msg("dropping unserializable event field")
				continue
			}
			out[k] = field
		}
		return out
	default:
		return data
	}
}
