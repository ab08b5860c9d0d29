package sync

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// changeEvent is the payload of one atabot_data_change notification.
type changeEvent struct {
	Schema string         `json:"schema"`
	Table  string         `json:"table"`
	Op     string         `json:"op"`
	Row    map[string]any `json:"row"`
}

// Realtime funnels source-table change notifications into the pipeline's
// single-row path. Enabled by the realtime-sync feature flag.
type Realtime struct {
	dsn      string
	pipeline *Pipeline
}

// NewRealtime creates a listener over a dedicated connection.
func NewRealtime(dsn string, pipeline *Pipeline) *Realtime {
	return &Realtime{dsn: dsn, pipeline: pipeline}
}

// Start listens for notifications until ctx ends, reconnecting on failure.
func (r *Realtime) Start(ctx context.Context) {
	go func() {
		for ctx.Err() == nil {
			if err := r.listen(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Realtime listener dropped, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}
	}()
}

func (r *Realtime) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, r.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN atabot_data_change"); err != nil {
		return err
	}
	log.Info().Msg("Realtime change listener started")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		r.handle(ctx, notification.Payload)
	}
}

func (r *Realtime) handle(ctx context.Context, payload string) {
	var ev changeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil || ev.Schema == "" || ev.Table == "" {
		log.Warn().Str("payload", payload).Msg("Unparseable change notification")
		return
	}

	switch {
	case ev.Op == "DELETE" && ev.Row != nil:
		managed, err := r.pipeline.registrar.EnsureRegistered(ctx, ev.Schema)
		if err != nil {
			log.Error().Err(err).Str("schema", ev.Schema).Msg("Realtime delete: schema lookup failed")
			return
		}
		pk := managed.Tables[ev.Table].PrimaryKey
		if pk == "" {
			return
		}
		if err := r.pipeline.DeleteRow(ctx, ev.Schema, ev.Table, ev.Row[pk]); err != nil {
			log.Error().Err(err).
				Str("schema", ev.Schema).
				Str("table", ev.Table).
				Msg("Realtime delete propagation failed")
		}
	case ev.Row != nil:
		if err := r.pipeline.SyncRow(ctx, ev.Schema, ev.Table, ev.Row); err != nil {
			log.Error().Err(err).
				Str("schema", ev.Schema).
				Str("table", ev.Table).
				Msg("Realtime row sync failed")
		}
	default:
		// Oversized payload was sent rowless; catch up incrementally.
		if _, err := r.pipeline.SyncTable(ctx, ev.Schema, ev.Table, ModeIncremental); err != nil {
			log.Error().Err(err).
				Str("schema", ev.Schema).
				Str("table", ev.Table).
				Msg("Realtime catch-up sync failed")
		}
	}
}
