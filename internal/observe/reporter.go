package observe

import (
	"log/slog"
	"time"
)

// Reporter persists each resolved prompt to the durable Store and
// broadcasts it live through the Hub. It satisfies the scheduler's
// Reporter interface structurally, so this package never imports
// internal/scheduler.
type Reporter struct {
	store  *Store
	hub    *Hub
	logger *slog.Logger
}

func NewReporter(store *Store, hub *Hub, logger *slog.Logger) *Reporter {
	return &Reporter{store: store, hub: hub, logger: logger}
}

// Report implements internal/scheduler.Reporter.
func (r *Reporter) Report(sessionID string, bytesOut int, elapsedMS int64, outcome string) {
	rec := PromptRecord{
		SessionID: sessionID,
		BytesOut:  bytesOut,
		ElapsedMS: elapsedMS,
		Outcome:   outcome,
		At:        time.Now(),
	}
	if r.store != nil {
		if err := r.store.Record(rec); err != nil {
			r.logger.Warn("failed to persist observability record", "session", sessionID, "err", err)
		}
	}
	if r.hub != nil {
		r.hub.PublishPrompt(rec)
	}
}
