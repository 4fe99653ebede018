package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"iqoption-trading-bot/internal/events"
)

// Recorder copies pipeline events into the audit store. It subscribes to the
// whole bus; append failures are logged and dropped, never propagated.
type Recorder struct {
	store  *Store
	logger zerolog.Logger
}

// NewRecorder attaches a recorder to the bus.
func NewRecorder(store *Store, bus *events.EventBus, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger.With().Str("component", "audit_recorder").Logger(),
	}
	bus.SubscribeAll(r.handle)
	return r
}

func (r *Recorder) handle(event events.Event) {
	asset, _ := event.Data["asset"].(string)
	rec := Record{
		Kind:      string(event.Type),
		Asset:     asset,
		Payload:   event.Data,
		CreatedAt: event.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Warn().
			Err(err).
			Str("kind", rec.Kind).
			Msg("failed to persist audit record")
	}
}
