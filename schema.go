package slasher

// The schema is written in the portable subset shared by Postgres
// (production, via lib/pq) and SQLite (tests). Byte columns are BYTEA;
// SQLite stores them as blobs regardless of the declared type.
// "ord" is the 1-based position of a transaction within its block.
const schema = `
CREATE TABLE IF NOT EXISTS transactions (
  hash BYTEA NOT NULL PRIMARY KEY,
  status INTEGER NOT NULL DEFAULT 0,
  from_address TEXT NOT NULL DEFAULT '',
  nonce BIGINT NOT NULL DEFAULT 0,
  replaces BYTEA,
  raw_content BYTEA,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS commitments (
  node TEXT NOT NULL,
  tx_hash BYTEA NOT NULL,
  idx BIGINT NOT NULL,
  accumulator BYTEA,
  status INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (node, tx_hash)
);

CREATE INDEX IF NOT EXISTS commitments_node_idx_tx ON commitments (node, idx, tx_hash);

CREATE TABLE IF NOT EXISTS blocks (
  number BIGINT NOT NULL PRIMARY KEY,
  hash BYTEA NOT NULL UNIQUE,
  node_id TEXT NOT NULL,
  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS block_transactions (
  block_number BIGINT NOT NULL,
  tx_hash BYTEA NOT NULL,
  ord BIGINT NOT NULL,
  PRIMARY KEY (block_number, tx_hash)
);

CREATE TABLE IF NOT EXISTS block_state (
  block_number BIGINT NOT NULL PRIMARY KEY,
  accumulator_state BYTEA,
  offset_index BIGINT NOT NULL DEFAULT 0,
  shift_index BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS node_stats (
  node TEXT NOT NULL PRIMARY KEY,
  total_transactions BIGINT NOT NULL DEFAULT 0,
  reordered_count BIGINT NOT NULL DEFAULT 0,
  censored_count BIGINT NOT NULL DEFAULT 0,
  last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS auxiliary_data (
  key TEXT NOT NULL PRIMARY KEY,
  value TEXT
);
`
