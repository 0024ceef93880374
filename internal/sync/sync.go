// Package sync implements the Sync Service (spec.md §4.6): per-kind
// delta replay in a fixed, dependency-respecting order, terminating in
// a sync-complete marker that admits the client to broadcast.
//
// Grounded on adred-codev-ws_poc/go-server/pkg/websocket/hub.go's
// per-client goroutine loop shape, generalized from a single broadcast
// relay into a bounded paginated replay over the generic Row Store.
package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/store"
	"odin-sync-server/internal/wire"
)

const (
	pageSize    = 100
	photoPacing = 50 * time.Millisecond
)

// ClientTable is the subset of *websocket.ClientTable the Sync Service
// needs.
type ClientTable interface {
	MarkSyncComplete(id string) bool
}

// Sender is the subset of *websocket.Client the Sync Service needs to
// emit frames.
type Sender interface {
	Send(frame wire.Frame) error
}

type Service struct {
	table   ClientTable
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(table ClientTable, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{table: table, metrics: m, logger: logger}
}

// Replay drives one client through the full sync_request procedure:
// per-kind delta replay in the fixed order user, sawmill, contract,
// location, shipment, note, photo, then the terminal marker.
func (s *Service) Replay(ctx context.Context, clientID string, sender Sender, entities *store.EntityStores, frame wire.Frame) error {
	var watermarks wire.SyncWatermarks
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &watermarks); err != nil {
			s.logger.Debug().Err(err).Str("client", clientID).Msg("malformed sync_request watermarks, defaulting to zero")
		}
	}

	for _, kind := range wire.Kinds {
		if err := s.replayKind(ctx, sender, entities, kind, watermarks.Get(kind)); err != nil {
			return err
		}
	}

	s.table.MarkSyncComplete(clientID)
	s.metrics.RecordSyncCompleted()
	return sendFrame(sender, wire.TypeSyncFromServerDone, nil)
}

func (s *Service) replayKind(ctx context.Context, sender Sender, entities *store.EntityStores, kind wire.Kind, watermark int64) error {
	w := watermark
	for {
		page, err := entities.DeltasSince(ctx, kind, w, pageSize)
		if err != nil {
			return err
		}

		if len(page.Records) == 0 {
			return sendMarker(sender, kind, w)
		}

		s.metrics.RecordSyncPage(string(kind), len(page.Records))

		for _, rec := range page.Records {
			if err := sendRecord(sender, kind, rec); err != nil {
				// Cancellation per spec.md §4.6: a failed send aborts
				// the remaining pages; no partial-state cleanup needed.
				return err
			}
			if kind == wire.KindPhoto {
				time.Sleep(photoPacing)
			}
		}

		w = page.NextWatermark
		if !page.HasMore {
			return sendMarker(sender, kind, w)
		}
	}
}

func sendMarker(sender Sender, kind wire.Kind, watermark int64) error {
	marker := wire.SyncMarker{NewSyncDate: watermark}
	return sendFrame(sender, kind.UpdateType(), marker)
}

func sendRecord(sender Sender, kind wire.Kind, rec store.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return sender.Send(wire.Frame{Type: kind.UpdateType(), Data: raw, Timestamp: time.Now().UnixMilli()})
}

func sendFrame(sender Sender, typ string, data any) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = encoded
	}
	return sender.Send(wire.Frame{Type: typ, Data: raw, Timestamp: time.Now().UnixMilli()})
}
