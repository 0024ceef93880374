package websocket

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"odin-sync-server/internal/apperrors"
	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/wire"
)

// sharedTestMetrics avoids the duplicate Prometheus registration panic
// that a second metrics.NewMetrics() call in this test binary would hit.
var sharedMetricsOnce sync.Once
var sharedMetricsInstance *metrics.Metrics

func sharedTestMetrics() *metrics.Metrics {
	sharedMetricsOnce.Do(func() { sharedMetricsInstance = metrics.NewMetrics() })
	return sharedMetricsInstance
}

// newBareClient builds a Client with no underlying connection, valid for
// exercising ClientTable bookkeeping, which never touches conn.
func newBareClient(table *ClientTable) *Client {
	return NewClient(nil, table, sharedTestMetrics(), zerolog.Nop(), 8)
}

func TestAddGetRemove(t *testing.T) {
	table := NewClientTable(zerolog.Nop())
	c := newBareClient(table)

	table.Add(c)
	require.Equal(t, 1, table.Count())

	got, ok := table.Get(c.ID)
	require.True(t, ok)
	require.Same(t, c, got)

	table.Remove(c.ID)
	require.Equal(t, 0, table.Count())

	_, ok = table.Get(c.ID)
	require.False(t, ok)
}

func TestSetAuthenticatedUpdatesClientState(t *testing.T) {
	table := NewClientTable(zerolog.Nop())
	c := newBareClient(table)
	table.Add(c)

	require.False(t, c.IsAuthenticated())

	ok := table.SetAuthenticated(c.ID, "acme", "u1")
	require.True(t, ok)
	require.True(t, c.IsAuthenticated())
	require.Equal(t, "acme", c.Tenant())
	require.Equal(t, "u1", c.UserID())
}

func TestSetAuthenticatedFalseForVanishedClient(t *testing.T) {
	table := NewClientTable(zerolog.Nop())
	ok := table.SetAuthenticated("nonexistent", "acme", "u1")
	require.False(t, ok)
}

func TestMarkSyncCompleteUpdatesClientState(t *testing.T) {
	table := NewClientTable(zerolog.Nop())
	c := newBareClient(table)
	table.Add(c)

	require.False(t, c.IsSyncComplete())
	require.True(t, table.MarkSyncComplete(c.ID))
	require.True(t, c.IsSyncComplete())
}

func TestByTenantFiltersOnTenantAndAuthentication(t *testing.T) {
	table := NewClientTable(zerolog.Nop())

	acme1 := newBareClient(table)
	acme2 := newBareClient(table)
	globex := newBareClient(table)
	table.Add(acme1)
	table.Add(acme2)
	table.Add(globex)

	table.SetAuthenticated(acme1.ID, "acme", "u1")
	table.SetAuthenticated(globex.ID, "globex", "u9")
	// acme2 stays unauthenticated.

	authedAcme := table.ByTenant("acme", true)
	require.Len(t, authedAcme, 1)
	require.Equal(t, acme1.ID, authedAcme[0].ID)

	allAcme := table.ByTenant("acme", false)
	require.Len(t, allAcme, 2)
}

func TestSendOnFullChannelReturnsTransportError(t *testing.T) {
	table := NewClientTable(zerolog.Nop())
	c := NewClient(nil, table, sharedTestMetrics(), zerolog.Nop(), 1)
	table.Add(c)

	ping := wire.Frame{Type: wire.TypePing}
	require.NoError(t, c.Send(ping))
	err := c.Send(ping)
	require.Error(t, err, "a full send channel must surface as an error rather than block")
	require.IsType(t, &apperrors.TransportError{}, err)
}

func TestShutdownCancelsContextWithNoClients(t *testing.T) {
	table := NewClientTable(zerolog.Nop())
	table.Shutdown()

	select {
	case <-table.Context().Done():
	default:
		t.Fatal("Shutdown must cancel the table's context")
	}
}
