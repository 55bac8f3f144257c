// Package eventbus provides scheduler.EventPublisher implementations: a
// structured-log sink for development, and a WebSocket fan-out hub for
// dashboards, grounded respectively on the teacher's streaming.LogPublisher
// and ws_hub.go.
package eventbus

import (
	"context"
	"encoding/json"
	"log"

	"github.com/hgschmie/marathon/metrics"
	"github.com/hgschmie/marathon/scheduler"
)

// LogPublisher writes every event as a single structured log line. It never
// fails a caller: marshal errors are logged and swallowed, matching
// scheduler.EventPublisher's fire-and-forget contract.
type LogPublisher struct {
	logger *log.Logger
}

// NewLogPublisher returns a publisher writing to the default logger.
func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Default()}
}

// Publish implements scheduler.EventPublisher.
func (p *LogPublisher) Publish(ctx context.Context, event scheduler.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(event.Kind)).Inc()
		p.logger.Printf("eventbus: failed to marshal event %s: %v", event.Kind, err)
		return
	}
	p.logger.Printf("[EVENT] %s %s", event.Kind, string(data))
}

var _ scheduler.EventPublisher = (*LogPublisher)(nil)
