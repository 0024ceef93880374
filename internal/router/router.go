// Package router implements the Message Router (spec.md §4.9): a pure
// classifier over frame.type that dispatches to the Auth Service, the
// Sync Service, or ingest-and-broadcast.
//
// Grounded on adred-codev-ws_poc/go-server/pkg/websocket/client.go's
// message-type switch in handleConnection, generalized from a
// hardcoded ping/heartbeat/subscribe set to the full frame vocabulary
// of wire.Frame.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"odin-sync-server/internal/apperrors"
	"odin-sync-server/internal/auth"
	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/store"
	"odin-sync-server/internal/sync"
	"odin-sync-server/internal/wire"
	"odin-sync-server/pkg/websocket"
)

// Router dispatches frames per spec.md §4.9. It implements
// websocket.FrameHandler.
type Router struct {
	auth     *auth.Service
	syncSvc  *sync.Service
	registry *store.TenantRegistry
	table    *websocket.ClientTable
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(authSvc *auth.Service, syncSvc *sync.Service, registry *store.TenantRegistry, table *websocket.ClientTable, m *metrics.Metrics, logger zerolog.Logger) *Router {
	return &Router{auth: authSvc, syncSvc: syncSvc, registry: registry, table: table, metrics: m, logger: logger}
}

// HandleAuth dispatches a pre-authentication authentication_request.
func (r *Router) HandleAuth(ctx context.Context, c *websocket.Client, frame wire.Frame) {
	if err := r.auth.Authenticate(ctx, c.ID, c, frame); err != nil {
		r.logger.Debug().Err(err).Str("client", c.ID).Msg("authentication failed")
	}
}

// HandleFrame dispatches a post-authentication frame (spec.md §4.9's
// classification table).
func (r *Router) HandleFrame(ctx context.Context, c *websocket.Client, frame wire.Frame) {
	switch {
	case frame.Type == wire.TypeAuthRequest:
		// Only valid pre-authentication; post-auth the server ignores it.
		return

	case frame.Type == wire.TypeSyncRequest:
		pool, err := r.registry.PoolFor(c.Tenant())
		if err != nil {
			r.logger.Warn().Err(err).Str("client", c.ID).Msg("sync_request with no tenant pool")
			return
		}
		if err := r.syncSvc.Replay(ctx, c.ID, c, pool.Entity, frame); err != nil {
			r.logger.Debug().Err(err).Str("client", c.ID).Msg("sync replay aborted")
		}

	case frame.Type == wire.TypeSyncComplete:
		r.send(c, wire.TypeSyncToServerDone, nil)

	case frame.Type == wire.TypePing:
		r.send(c, wire.TypePong, nil)

	default:
		if kind, ok := wire.KindFromUpdateType(frame.Type); ok {
			r.ingestAndBroadcast(ctx, c, kind, frame)
			return
		}
		r.logger.Debug().Str("type", frame.Type).Str("client", c.ID).Msg("unknown frame type, ignoring")
	}
}

// ingestAndBroadcast is the canonical path for `<kind>_update` frames
// from a client (spec.md §4.7).
func (r *Router) ingestAndBroadcast(ctx context.Context, c *websocket.Client, kind wire.Kind, frame wire.Frame) {
	pool, err := r.registry.PoolFor(c.Tenant())
	if err != nil {
		r.metrics.RecordError("storage_no_pool")
		return
	}

	changed, isDelete, entityID, err := r.write(ctx, pool.Entity, kind, frame)
	if err != nil {
		r.metrics.RecordError("storage_write")
		r.logger.Warn().Err(err).Str("kind", string(kind)).Str("client", c.ID).Msg("entity write failed")
		return
	}
	if !changed {
		return
	}

	r.broadcast(c, kind, frame, isDelete, entityID)
}

func (r *Router) write(ctx context.Context, entities *store.EntityStores, kind wire.Kind, frame wire.Frame) (changed, isDelete bool, entityID string, err error) {
	var probe struct {
		ID      string `json:"id"`
		Deleted int    `json:"deleted"`
	}
	if uerr := json.Unmarshal(frame.Data, &probe); uerr != nil {
		return false, false, "", &apperrors.ProtocolError{Reason: uerr.Error()}
	}

	if probe.Deleted == 1 {
		ok, derr := entities.MarkDeleted(ctx, kind, probe.ID)
		return ok, true, probe.ID, derr
	}

	outcome, serr := entities.Save(ctx, kind, frame.Data)
	return outcome != store.Skipped, false, probe.ID, serr
}

// broadcast fans a mutation out to every authenticated peer in the
// originator's tenant that has completed its initial sync, and sends
// the originator its ack whether or not it has synced (spec.md §4.7's
// fan-out policy).
func (r *Router) broadcast(c *websocket.Client, kind wire.Kind, frame wire.Frame, isDelete bool, entityID string) {
	peers := r.table.ByTenant(c.Tenant(), true)
	if len(peers) == 0 {
		return
	}

	ackFrame := r.ackFrame(kind, frame, isDelete, entityID)

	var fannedOut int
	for _, peer := range peers {
		if peer.ID != c.ID && !peer.IsSyncComplete() {
			// Not yet admitted to broadcast (spec.md §4.6): this peer
			// will pick the mutation up in its own initial sync pass.
			continue
		}
		outbound := frame
		if peer.ID == c.ID {
			outbound = ackFrame
		}
		if err := peer.Send(outbound); err != nil {
			r.metrics.RecordBroadcastDropped()
			continue
		}
		fannedOut++
	}
	r.metrics.RecordBroadcastFanout(fannedOut)
}

func (r *Router) ackFrame(kind wire.Kind, original wire.Frame, isDelete bool, entityID string) wire.Frame {
	if isDelete {
		// Echo the tombstone verbatim so the originator can confirm its
		// local state matches the server (spec.md §4.7).
		return original
	}
	ack := wire.UpdateAck{ID: entityID, Synced: 1}
	raw, err := json.Marshal(ack)
	if err != nil {
		return original
	}
	return wire.Frame{Type: kind.UpdateType(), Data: raw, Timestamp: time.Now().UnixMilli()}
}

func (r *Router) send(c *websocket.Client, typ string, data any) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return
		}
		raw = encoded
	}
	_ = c.Send(wire.Frame{Type: typ, Data: raw, Timestamp: time.Now().UnixMilli()})
}
