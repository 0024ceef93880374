package auth

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/store"
	"odin-sync-server/internal/wire"
)

// testMetrics is shared across this package's tests: promauto registers
// every collector with the default Prometheus registry, so constructing
// a second *metrics.Metrics in the same test binary panics on duplicate
// registration.
var testMetricsOnce sync.Once
var testMetricsInstance *metrics.Metrics

func testMetrics() *metrics.Metrics {
	testMetricsOnce.Do(func() { testMetricsInstance = metrics.NewMetrics() })
	return testMetricsInstance
}

type fakeTable struct {
	mu            sync.Mutex
	authenticated map[string][2]string
	refuse        bool
}

func newFakeTable() *fakeTable {
	return &fakeTable{authenticated: make(map[string][2]string)}
}

func (f *fakeTable) SetAuthenticated(id, tenant, userID string) bool {
	if f.refuse {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authenticated[id] = [2]string{tenant, userID}
	return true
}

type fakeSender struct {
	mu     sync.Mutex
	frames []wire.Frame
}

func (f *fakeSender) Send(frame wire.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) last() wire.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames[len(f.frames)-1]
}

func newTestRegistry(t *testing.T) *store.TenantRegistry {
	return store.NewTenantRegistry(t.TempDir(), 2)
}

func authFrame(t *testing.T, apiKey string) wire.Frame {
	t.Helper()
	data, err := json.Marshal(wire.AuthRequestData{APIKey: apiKey})
	require.NoError(t, err)
	return wire.Frame{Type: wire.TypeAuthRequest, Data: data}
}

func TestAuthenticateUnknownTenantRejectsWithoutPoolLookup(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	table := newFakeTable()
	sender := &fakeSender{}
	svc := NewService(registry, table, testMetrics(), zerolog.Nop())

	err := svc.Authenticate(ctx, "c1", sender, authFrame(t, "acme-u1"))
	require.Error(t, err)

	var resp wire.AuthResponseFail
	require.NoError(t, json.Unmarshal(sender.last().Data, &resp))
	require.Equal(t, 0, resp.Authenticated)
	require.Equal(t, "Invalid tenant", resp.Error)
}

func TestAuthenticateMissingAPIKeyRejectsSilently(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	table := newFakeTable()
	sender := &fakeSender{}
	svc := NewService(registry, table, testMetrics(), zerolog.Nop())

	err := svc.Authenticate(ctx, "c1", sender, wire.Frame{Type: wire.TypeAuthRequest, Data: []byte(`{}`)})
	require.Error(t, err)
	require.Empty(t, sender.frames, "missing apiKey must not emit a wire response")
}

func TestAuthenticateMalformedCredentialRejectsSilently(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	table := newFakeTable()
	sender := &fakeSender{}
	svc := NewService(registry, table, testMetrics(), zerolog.Nop())

	err := svc.Authenticate(ctx, "c1", sender, authFrame(t, "noDashAtAll"))
	require.Error(t, err)
	require.Empty(t, sender.frames)
}

func TestAuthenticateUnknownUserRejects(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	require.NoError(t, registry.CreateTenant("acme"))
	table := newFakeTable()
	sender := &fakeSender{}
	svc := NewService(registry, table, testMetrics(), zerolog.Nop())

	err := svc.Authenticate(ctx, "c1", sender, authFrame(t, "acme-ghost"))
	require.Error(t, err)

	var resp wire.AuthResponseFail
	require.NoError(t, json.Unmarshal(sender.last().Data, &resp))
	require.Equal(t, "User not found", resp.Error)
}

func TestAuthenticateKnownUserSucceeds(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	require.NoError(t, registry.CreateTenant("acme"))
	pool, err := registry.PoolFor("acme")
	require.NoError(t, err)
	_, err = pool.Row.InsertOrUpdate(ctx, "users", store.Record{
		"id": "u1", "lastEdit": int64(10), "role": int64(2), "name": "Dana",
	})
	require.NoError(t, err)

	table := newFakeTable()
	sender := &fakeSender{}
	svc := NewService(registry, table, testMetrics(), zerolog.Nop())

	err = svc.Authenticate(ctx, "c1", sender, authFrame(t, "acme-u1"))
	require.NoError(t, err)

	tenant, userID, ok := func() (string, string, bool) {
		table.mu.Lock()
		defer table.mu.Unlock()
		v, ok := table.authenticated["c1"]
		return v[0], v[1], ok
	}()
	require.True(t, ok)
	require.Equal(t, "acme", tenant)
	require.Equal(t, "u1", userID)

	var resp wire.AuthResponseOK
	require.NoError(t, json.Unmarshal(sender.last().Data, &resp))
	require.Equal(t, 1, resp.Authenticated)
	require.Equal(t, "u1", resp.ID)
	require.Equal(t, "Dana", resp.Name)
	require.Equal(t, int64(2), resp.Role)
}

func TestAuthenticateClientVanishedMidAuth(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)
	require.NoError(t, registry.CreateTenant("acme"))
	pool, err := registry.PoolFor("acme")
	require.NoError(t, err)
	_, err = pool.Row.InsertOrUpdate(ctx, "users", store.Record{"id": "u1", "lastEdit": int64(10)})
	require.NoError(t, err)

	table := newFakeTable()
	table.refuse = true
	sender := &fakeSender{}
	svc := NewService(registry, table, testMetrics(), zerolog.Nop())

	err = svc.Authenticate(ctx, "c1", sender, authFrame(t, "acme-u1"))
	require.Error(t, err)
}

func TestSplitCredential(t *testing.T) {
	cases := []struct {
		in     string
		tenant string
		userID string
		ok     bool
	}{
		{"acme-u1", "acme", "u1", true},
		{"acme-u1-extra", "acme", "u1-extra", true},
		{"noseparator", "", "", false},
		{"-u1", "", "", false},
		{"acme-", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		tenant, userID, ok := splitCredential(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if tc.ok {
			require.Equal(t, tc.tenant, tenant, tc.in)
			require.Equal(t, tc.userID, userID, tc.in)
		}
	}
}
