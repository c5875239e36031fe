package ledger

// Schema is the DDL of the ledger. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS cycles (
    id                 TEXT PRIMARY KEY,
    cycle_number       INTEGER NOT NULL,
    started_at         INTEGER NOT NULL,
    completed_at       INTEGER,
    fetched            INTEGER NOT NULL DEFAULT 0,
    added              INTEGER NOT NULL DEFAULT 0,
    filtered_duplicate INTEGER NOT NULL DEFAULT 0,
    filtered_low_score INTEGER NOT NULL DEFAULT 0,
    errored            INTEGER NOT NULL DEFAULT 0,
    error              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
CREATE INDEX IF NOT EXISTS idx_cycles_completed ON cycles(completed_at);

CREATE TABLE IF NOT EXISTS items (
    id              TEXT PRIMARY KEY,
    cycle_id        TEXT NOT NULL REFERENCES cycles(id),
    title           TEXT NOT NULL DEFAULT '',
    source_id       TEXT NOT NULL DEFAULT '',
    link            TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL DEFAULT '',
    fetch_timestamp INTEGER NOT NULL,
    status          TEXT NOT NULL,
    status_reason   TEXT NOT NULL DEFAULT '',
    knowledge_ref   TEXT
);
CREATE INDEX IF NOT EXISTS idx_items_cycle ON items(cycle_id);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
CREATE INDEX IF NOT EXISTS idx_items_fetch_ts ON items(fetch_timestamp);
`
