package store

// schemaSQL is executed once against every freshly opened tenant
// database. Every synchronized table carries the common envelope
// (id, lastEdit, arrivalAtServer, deleted) described in spec.md §3.1.
// Grounded on marcus-td/internal/serverdb/serverdb.go's pattern of
// running an embedded schema string plus a schema_info version marker
// on Open, applied here per tenant instead of to one global server DB.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id              TEXT PRIMARY KEY,
	lastEdit        INTEGER NOT NULL,
	arrivalAtServer INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	role            INTEGER,
	name            TEXT
);
CREATE INDEX IF NOT EXISTS idx_users_arrival ON users(arrivalAtServer);

CREATE TABLE IF NOT EXISTS sawmills (
	id              TEXT PRIMARY KEY,
	lastEdit        INTEGER NOT NULL,
	arrivalAtServer INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	name            TEXT
);
CREATE INDEX IF NOT EXISTS idx_sawmills_arrival ON sawmills(arrivalAtServer);

CREATE TABLE IF NOT EXISTS contracts (
	id                 TEXT PRIMARY KEY,
	lastEdit           INTEGER NOT NULL,
	arrivalAtServer    INTEGER NOT NULL,
	deleted            INTEGER NOT NULL DEFAULT 0,
	done               INTEGER,
	title              TEXT,
	additionalInfo     TEXT,
	startDate          INTEGER,
	endDate            INTEGER,
	availableQuantity  REAL,
	bookedQuantity     REAL,
	shippedQuantity    REAL
);
CREATE INDEX IF NOT EXISTS idx_contracts_arrival ON contracts(arrivalAtServer);

CREATE TABLE IF NOT EXISTS locations (
	id                      TEXT PRIMARY KEY,
	lastEdit                INTEGER NOT NULL,
	arrivalAtServer         INTEGER NOT NULL,
	deleted                 INTEGER NOT NULL DEFAULT 0,
	done                    INTEGER,
	started                 INTEGER,
	latitude                REAL,
	longitude               REAL,
	partieNr                TEXT,
	date                    INTEGER,
	additionalInfo          TEXT,
	initialQuantity         REAL,
	initialOversizeQuantity REAL,
	initialPieceCount       INTEGER,
	currentQuantity         REAL,
	currentOversizeQuantity REAL,
	currentPieceCount       INTEGER,
	contractId              TEXT,
	FOREIGN KEY (contractId) REFERENCES contracts(id)
);
CREATE INDEX IF NOT EXISTS idx_locations_arrival ON locations(arrivalAtServer);
CREATE INDEX IF NOT EXISTS idx_locations_contract ON locations(contractId);

CREATE TABLE IF NOT EXISTS location_sawmill_junction (
	locationId TEXT NOT NULL,
	sawmillId  TEXT NOT NULL,
	isOversize INTEGER NOT NULL,
	PRIMARY KEY (locationId, sawmillId, isOversize),
	FOREIGN KEY (locationId) REFERENCES locations(id) ON DELETE CASCADE,
	FOREIGN KEY (sawmillId) REFERENCES sawmills(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS notes (
	id              TEXT PRIMARY KEY,
	lastEdit        INTEGER NOT NULL,
	arrivalAtServer INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	text            TEXT,
	userId          TEXT,
	FOREIGN KEY (userId) REFERENCES users(id)
);
CREATE INDEX IF NOT EXISTS idx_notes_arrival ON notes(arrivalAtServer);

CREATE TABLE IF NOT EXISTS photos (
	id              TEXT PRIMARY KEY,
	lastEdit        INTEGER NOT NULL,
	arrivalAtServer INTEGER NOT NULL,
	deleted         INTEGER NOT NULL DEFAULT 0,
	photoFile       BLOB,
	locationId      TEXT,
	FOREIGN KEY (locationId) REFERENCES locations(id)
);
CREATE INDEX IF NOT EXISTS idx_photos_arrival ON photos(arrivalAtServer);

CREATE TABLE IF NOT EXISTS shipments (
	id               TEXT PRIMARY KEY,
	lastEdit         INTEGER NOT NULL,
	arrivalAtServer  INTEGER NOT NULL,
	deleted          INTEGER NOT NULL DEFAULT 0,
	quantity         REAL,
	oversizeQuantity REAL,
	pieceCount       INTEGER,
	userId           TEXT,
	contractId       TEXT,
	sawmillId        TEXT,
	locationId       TEXT,
	FOREIGN KEY (userId) REFERENCES users(id),
	FOREIGN KEY (contractId) REFERENCES contracts(id),
	FOREIGN KEY (sawmillId) REFERENCES sawmills(id),
	FOREIGN KEY (locationId) REFERENCES locations(id)
);
CREATE INDEX IF NOT EXISTS idx_shipments_arrival ON shipments(arrivalAtServer);
`

// schemaVersion is stamped into schema_info on first open, reserved for
// future additive migrations; there are none yet.
const schemaVersion = "1"
