package queue

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/mwwoodworth/aurea-orchestrator/internal/schema"
)

// Message is one delivered stream entry plus the consumer that holds its
// lease. Values carries the flat wire fields.
type Message struct {
	ID       string
	Consumer string
	Values   map[string]string
}

func messageFromStream(id, consumer string, raw map[string]any) *Message {
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}
	return &Message{ID: id, Consumer: consumer, Values: values}
}

// TaskID returns the task identifier carried in the message.
func (m *Message) TaskID() string { return m.Values["task_id"] }

// Type returns the task type string.
func (m *Message) Type() string { return m.Values["type"] }

// TraceID returns the propagated trace identifier, if any.
func (m *Message) TraceID() string { return m.Values["trace_id"] }

// RetryCount returns the delivery retry counter. Missing or malformed
// values count as zero.
func (m *Message) RetryCount() int {
	n, err := strconv.Atoi(m.Values["retry_count"])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Priority returns the task priority, defaulting to NORMAL.
func (m *Message) Priority() schema.TaskPriority {
	p, err := schema.ParsePriority(m.Values["priority"])
	if err != nil {
		return schema.PriorityNormal
	}
	return p
}

// Payload decodes the JSON payload field.
func (m *Message) Payload() (map[string]any, error) {
	raw := m.Values["payload"]
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRetryCount overrides the retry counter. Used to force retry
// exhaustion for failures that must not be retried.
func (m *Message) SetRetryCount(n int) {
	m.Values["retry_count"] = strconv.Itoa(n)
}

func encodeTask(t *schema.Task) map[string]any {
	payload, _ := json.Marshal(t.Payload)
	fields := map[string]any{
		"task_id":     t.ID.String(),
		"type":        string(t.Type),
		"payload":     string(payload),
		"priority":    strconv.Itoa(int(t.Priority)),
		"status":      string(t.Status),
		"retry_count": strconv.Itoa(t.RetryCount),
		"created_at":  t.EnqueuedAt.UTC().Format(time.RFC3339Nano),
	}
	if t.TraceID != "" {
		fields["trace_id"] = t.TraceID
	}
	if t.IdempotencyKey != "" {
		fields["idempotency_key"] = t.IdempotencyKey
	}
	return fields
}
