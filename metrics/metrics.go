// Package metrics defines the telemetry events emitted by the contribution
// trackers and the Sender contract that delivers them.
package metrics

import (
	"context"
	"encoding/json"
	"time"

	"codepercent/logger"

	"github.com/google/uuid"
)

// CodePercentageMetric is the name of the per-language contribution metric.
const CodePercentageMetric = "codewhisperer_codePercentage"

// Event is a single named metric with its fields.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Fields    any       `json:"fields"`
}

// CodePercentage holds the fields of a CodePercentageMetric event.
type CodePercentage struct {
	Percentage     *int   `json:"codewhispererPercentage"` // nil when TotalTokens is 0
	AcceptedTokens int    `json:"codewhispererAcceptedTokens"`
	TotalTokens    int    `json:"codewhispererTotalTokens"`
	Language       string `json:"codewhispererLanguage"`
}

// NewCodePercentage builds a CodePercentageMetric event.
func NewCodePercentage(fields CodePercentage) Event {
	return Event{
		ID:        uuid.NewString(),
		Name:      CodePercentageMetric,
		CreatedAt: time.Now(),
		Fields:    fields,
	}
}

// Sender delivers events to a telemetry backend. SendMetric must not block
// the caller for network I/O; delivery failures are the sender's concern.
type Sender interface {
	SendMetric(ctx context.Context, event Event)
}

// LogSender writes events to the log instead of a backend.
type LogSender struct{}

// SendMetric implements Sender
func (LogSender) SendMetric(_ context.Context, event Event) {
	fields, err := json.Marshal(event.Fields)
	if err != nil {
		logger.Warn("metrics: failed to encode %s fields: %v", event.Name, err)
		return
	}
	logger.Info("metric %s %s", event.Name, fields)
}
