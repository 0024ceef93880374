package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// TenantRegistry lazily materializes per-tenant database paths,
// initializes schema, and caches a bounded connection pool per tenant
// (spec.md §4.3). Grounded on marcus-td/internal/api/dbpool.go's
// ProjectDBPool: double-checked locking over a map keyed by tenant,
// os.Stat existence check, and the WAL/busy_timeout/foreign_keys pragma
// sequence from marcus-td/internal/serverdb/serverdb.go's openProjectDB
// / Open. Generalized from one *sql.DB per project to MaxPoolSize
// handles per tenant. Every query and write goes through the first
// handle, which is limited to one open connection; the other handles
// are opened and closed with the pool but are not used for queries.
type TenantRegistry struct {
	mu          sync.RWMutex
	pools       map[string]*TenantPool
	dataDir     string
	maxPoolSize int
}

// TenantPool is one tenant's Row Store and database handles, plus the
// generic Entity Store adapters layered over it.
type TenantPool struct {
	Tenant  string
	Row     *RowStore
	Entity  *EntityStores
	handles []*sql.DB
}

// Close releases every underlying connection for this tenant, WAL-
// checkpointing first (marcus-td/internal/api/dbpool.go's CloseAll).
func (p *TenantPool) Close() {
	for _, db := range p.handles {
		db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		db.Close()
	}
}

// NewTenantRegistry creates a registry rooted at dataDir. Pools are
// created lazily on first successful PoolFor call and are never
// evicted during the process lifetime (spec.md §4.3).
func NewTenantRegistry(dataDir string, maxPoolSize int) *TenantRegistry {
	return &TenantRegistry{
		pools:       make(map[string]*TenantPool),
		dataDir:     dataDir,
		maxPoolSize: maxPoolSize,
	}
}

// PathFor returns the on-disk path for a tenant's database file.
func (r *TenantRegistry) PathFor(tenant string) string {
	return filepath.Join(r.dataDir, tenant+".db")
}

// DBExists reports whether a tenant's database file is present. A
// tenant is provisioned out-of-band; the registry never creates one on
// demand (spec.md §4.3: "a tenant is provisioned out-of-band").
func (r *TenantRegistry) DBExists(tenant string) bool {
	_, err := os.Stat(r.PathFor(tenant))
	return err == nil
}

// PoolFor returns the cached pool for tenant, opening and caching it on
// first use. Fails if the tenant's database file does not exist —
// callers must check DBExists first per the Auth Service procedure
// (spec.md §4.5 step 2).
func (r *TenantRegistry) PoolFor(tenant string) (*TenantPool, error) {
	r.mu.RLock()
	pool, ok := r.pools[tenant]
	r.mu.RUnlock()
	if ok {
		return pool, nil
	}

	if !r.DBExists(tenant) {
		return nil, fmt.Errorf("tenant database not found: %s", tenant)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-check under the write lock: another goroutine may have opened
	// it while we waited.
	if pool, ok := r.pools[tenant]; ok {
		return pool, nil
	}

	pool, err := r.open(tenant)
	if err != nil {
		return nil, err
	}
	r.pools[tenant] = pool
	return pool, nil
}

func (r *TenantRegistry) open(tenant string) (*TenantPool, error) {
	path := r.PathFor(tenant)

	maxConns := r.maxPoolSize
	if maxConns <= 0 {
		maxConns = 1
	}

	handles := make([]*sql.DB, 0, maxConns)
	for i := 0; i < maxConns; i++ {
		db, err := openTenantDB(path)
		if err != nil {
			for _, h := range handles {
				h.Close()
			}
			return nil, fmt.Errorf("open tenant %s: %w", tenant, err)
		}
		handles = append(handles, db)
	}

	// All row operations, reads and writes alike, are issued against
	// the first handle, so they are serialised on its single
	// connection (spec.md §5's "per-tenant database connection
	// serialised by the relational engine's own lock"). The remaining
	// handles are not reached by the RowStore or the entity stores.
	rowStore := NewRowStore(handles[0])

	pool := &TenantPool{
		Tenant:  tenant,
		Row:     rowStore,
		handles: handles,
	}
	pool.Entity = NewEntityStores(rowStore)
	return pool, nil
}

func openTenantDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA foreign_keys=ON")

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO schema_info(key, value) VALUES ('version', ?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("stamp schema version: %w", err)
	}

	return db, nil
}

// CreateTenant provisions a brand-new tenant database file. Not part of
// spec.md's core contract (tenants are provisioned out-of-band per
// §4.3), but needed by tests and by any operator tooling that seeds a
// tenant before its first client connects.
func (r *TenantRegistry) CreateTenant(tenant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pools[tenant]; ok {
		return nil
	}
	pool, err := r.open(tenant)
	if err != nil {
		return err
	}
	r.pools[tenant] = pool
	return nil
}

// CloseAll closes every cached tenant pool, used during server shutdown.
func (r *TenantRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Close()
	}
}
