// Package auth implements the Auth Service (spec.md §4.5): credential
// parsing, tenant and user resolution, and the client's transition to
// authenticated.
//
// Grounded on adred-codev-ws_poc/go-server/internal/auth/jwt.go's shape
// (a Service type holding its dependencies, returning a typed result),
// generalized from JWT verification to the tenant-prefixed credential
// format this system uses.
package auth

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"odin-sync-server/internal/apperrors"
	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/store"
	"odin-sync-server/internal/wire"
)

// ClientTable is the subset of *websocket.ClientTable the Auth Service
// needs. Declared here, implemented there, to avoid an import cycle
// between auth and websocket.
type ClientTable interface {
	SetAuthenticated(id, tenant, userID string) bool
}

// Sender is the subset of *websocket.Client the Auth Service needs to
// emit a response frame.
type Sender interface {
	Send(frame wire.Frame) error
}

type Service struct {
	registry *store.TenantRegistry
	table    ClientTable
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(registry *store.TenantRegistry, table ClientTable, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{registry: registry, table: table, metrics: m, logger: logger}
}

// Authenticate runs the full procedure of spec.md §4.5 and reports
// whether the client is now authenticated. sender is the client's
// outbound channel wrapper; clientID is the Client Table key.
func (s *Service) Authenticate(ctx context.Context, clientID string, sender Sender, frame wire.Frame) error {
	s.metrics.RecordAuthAttempt()

	var data wire.AuthRequestData
	if err := unmarshalData(frame, &data); err != nil || data.APIKey == "" {
		return s.fail(sender, apperrors.AuthMissingAPIKey, "missing_api_key", "", "authentication_request missing apiKey")
	}

	tenant, userID, ok := splitCredential(data.APIKey)
	if !ok {
		return s.fail(sender, apperrors.AuthInvalidFormat, "invalid_format", "", "malformed credential")
	}

	if !s.registry.DBExists(tenant) {
		return s.fail(sender, apperrors.AuthUnknownTenant, "unknown_tenant", "Invalid tenant", "unknown tenant "+tenant)
	}

	pool, err := s.registry.PoolFor(tenant)
	if err != nil {
		// Connection errors must not leak tenant existence beyond the
		// db_exists check above: fail silently, no response frame.
		s.metrics.RecordAuthFailure("pool_error")
		s.logger.Warn().Err(err).Str("tenant", tenant).Msg("auth pool acquisition failed")
		return &apperrors.AuthError{Kind: apperrors.AuthStorageError, Reason: err.Error()}
	}

	user, found, err := pool.Entity.GetLiveByID(ctx, wire.KindUser, userID)
	if err != nil {
		s.metrics.RecordAuthFailure("storage_error")
		s.logger.Warn().Err(err).Str("tenant", tenant).Msg("auth user lookup failed")
		return &apperrors.AuthError{Kind: apperrors.AuthStorageError, Reason: err.Error()}
	}
	if !found {
		return s.fail(sender, apperrors.AuthUnknownUser, "unknown_user", "User not found", "unknown user "+userID+" in tenant "+tenant)
	}

	if !s.table.SetAuthenticated(clientID, tenant, userID) {
		// Client disconnected mid-authentication; nothing left to do.
		return &apperrors.TransportError{Reason: "client vanished during authentication"}
	}

	role, _ := user["role"].(int64)
	name, _ := user["name"].(string)
	lastEdit, _ := user["lastEdit"].(int64)

	resp := wire.AuthResponseOK{Authenticated: 1, ID: userID, Role: role, Name: name, LastEdit: lastEdit}
	return sendResponse(sender, wire.TypeAuthResponse, resp)
}

func (s *Service) fail(sender Sender, kind apperrors.AuthKind, metricLabel, wireError, logReason string) error {
	s.metrics.RecordAuthFailure(metricLabel)
	if wireError != "" {
		resp := wire.AuthResponseFail{Authenticated: 0, Error: wireError}
		if err := sendResponse(sender, wire.TypeAuthResponse, resp); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send auth rejection frame")
		}
	}
	return &apperrors.AuthError{Kind: kind, Reason: logReason}
}

// splitCredential parses "<tenant>-<userId>" on the first '-'. Both
// parts must be non-empty.
func splitCredential(apiKey string) (tenant, userID string, ok bool) {
	idx := strings.Index(apiKey, "-")
	if idx <= 0 || idx == len(apiKey)-1 {
		return "", "", false
	}
	return apiKey[:idx], apiKey[idx+1:], true
}

func unmarshalData(frame wire.Frame, v any) error {
	if len(frame.Data) == 0 {
		return &apperrors.ProtocolError{Reason: "empty data"}
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return &apperrors.ProtocolError{Reason: err.Error()}
	}
	return nil
}

func sendResponse(sender Sender, typ string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sender.Send(wire.Frame{Type: typ, Data: raw, Timestamp: time.Now().UnixMilli()})
}
