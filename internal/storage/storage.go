// Package storage provides klingond's persistence boundary: the
// NodeStorage interface spec.md §6 describes ({blockchain, dht_core,
// dht_map} serialized to a file), backed by SQLite exactly as the
// teacher's storage layer is, with the schema narrowed to this node's own
// state instead of the teacher's order/trade/swap tables. The routing
// table and network endpoint are deliberately not part of NodeState —
// spec §6 excludes them from persistence.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-tech/klingdht/internal/chain"
	"github.com/klingon-tech/klingdht/internal/dht"
	"github.com/klingon-tech/klingdht/internal/identity"
	"github.com/klingon-tech/klingdht/internal/kademlia/ticket"
)

// NodeState is everything persisted across restarts.
type NodeState struct {
	// KeySeed reconstructs this node's identity.KeyPair.
	KeySeed []byte
	// Ticket is this node's own admission credential, if it has joined
	// via a bootstrap (nil for a node acting purely as bootstrap).
	Ticket *ticket.Ticket
	// Blocks is the local chain, genesis-first.
	Blocks []chain.Block
	// DHTValues is the node-local DHT value map.
	DHTValues map[identity.NodeID]dht.Value
}

// NodeStorage is the persistence boundary: load the last-saved state at
// startup, store a fresh snapshot at shutdown (or on a periodic
// checkpoint). Encoding is entirely an implementation detail behind this
// interface.
type NodeStorage interface {
	Load() (NodeState, error)
	Store(NodeState) error
	Close() error
}

// Storage is the SQLite-backed NodeStorage implementation.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (creating if necessary) the node's SQLite database and
// ensures its schema exists.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("storage: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "klingdht.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection, for tests that want to inspect
// rows directly.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- This node's own identity, persisted so a restart keeps the same NodeID.
	CREATE TABLE IF NOT EXISTS node_identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		key_seed BLOB NOT NULL
	);

	-- This node's own admission ticket, if it has joined via a bootstrap.
	CREATE TABLE IF NOT EXISTS node_ticket (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pow BLOB NOT NULL,
		challenge INTEGER NOT NULL,
		client_nonce INTEGER NOT NULL,
		bootstrap_pub_key BLOB NOT NULL,
		signature BLOB NOT NULL
	);

	-- The local chain, genesis-first.
	CREATE TABLE IF NOT EXISTS blocks (
		block_index INTEGER PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		data TEXT NOT NULL
	);

	-- The node-local DHT value map (blocks, chain-head pointers, tickets).
	CREATE TABLE IF NOT EXISTS dht_values (
		key TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load reconstructs the persisted NodeState. A brand-new database
// (no identity row yet) returns a zero-value NodeState and no error —
// callers distinguish "nothing persisted yet" by checking len(KeySeed).
func (s *Storage) Load() (NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state NodeState

	row := s.db.QueryRow(`SELECT key_seed FROM node_identity WHERE id = 1`)
	if err := row.Scan(&state.KeySeed); err != nil && err != sql.ErrNoRows {
		return NodeState{}, fmt.Errorf("storage: load identity: %w", err)
	}

	var pow, bootstrapPub, sig []byte
	var challenge, nonce uint32
	row = s.db.QueryRow(`SELECT pow, challenge, client_nonce, bootstrap_pub_key, signature FROM node_ticket WHERE id = 1`)
	switch err := row.Scan(&pow, &challenge, &nonce, &bootstrapPub, &sig); err {
	case nil:
		var powArr, pubArr [32]byte
		copy(powArr[:], pow)
		copy(pubArr[:], bootstrapPub)
		state.Ticket = &ticket.Ticket{
			PoW:             powArr,
			Challenge:       challenge,
			ClientNonce:     nonce,
			BootstrapPubKey: pubArr,
			Signature:       sig,
		}
	case sql.ErrNoRows:
		// no ticket yet
	default:
		return NodeState{}, fmt.Errorf("storage: load ticket: %w", err)
	}

	blockRows, err := s.db.Query(`SELECT data FROM blocks ORDER BY block_index ASC`)
	if err != nil {
		return NodeState{}, fmt.Errorf("storage: load blocks: %w", err)
	}
	defer blockRows.Close()
	for blockRows.Next() {
		var data string
		if err := blockRows.Scan(&data); err != nil {
			return NodeState{}, fmt.Errorf("storage: scan block: %w", err)
		}
		var b chain.Block
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return NodeState{}, fmt.Errorf("storage: decode block: %w", err)
		}
		state.Blocks = append(state.Blocks, b)
	}
	if err := blockRows.Err(); err != nil {
		return NodeState{}, fmt.Errorf("storage: iterate blocks: %w", err)
	}

	valueRows, err := s.db.Query(`SELECT key, data FROM dht_values`)
	if err != nil {
		return NodeState{}, fmt.Errorf("storage: load dht values: %w", err)
	}
	defer valueRows.Close()
	state.DHTValues = make(map[identity.NodeID]dht.Value)
	for valueRows.Next() {
		var keyHex, data string
		if err := valueRows.Scan(&keyHex, &data); err != nil {
			return NodeState{}, fmt.Errorf("storage: scan dht value: %w", err)
		}
		var v dht.Value
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return NodeState{}, fmt.Errorf("storage: decode dht value: %w", err)
		}
		key, err := identity.NodeIDFromHex(keyHex)
		if err != nil {
			return NodeState{}, fmt.Errorf("storage: decode dht key: %w", err)
		}
		state.DHTValues[key] = v
	}
	if err := valueRows.Err(); err != nil {
		return NodeState{}, fmt.Errorf("storage: iterate dht values: %w", err)
	}

	return state, nil
}

// Store persists a full snapshot. The blocks and DHT value tables are
// cleared and rewritten from the snapshot on every checkpoint, so a chain
// that shrank during reconciliation leaves no stale rows behind; the
// identity and ticket rows are overwritten when the snapshot carries them
// and kept as they are otherwise.
func (s *Storage) Store(state NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(state.KeySeed) > 0 {
		if _, err := tx.Exec(`
			INSERT INTO node_identity (id, key_seed) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET key_seed = excluded.key_seed
		`, state.KeySeed); err != nil {
			return fmt.Errorf("storage: store identity: %w", err)
		}
	}

	if state.Ticket != nil {
		t := state.Ticket
		if _, err := tx.Exec(`
			INSERT INTO node_ticket (id, pow, challenge, client_nonce, bootstrap_pub_key, signature)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				pow = excluded.pow, challenge = excluded.challenge,
				client_nonce = excluded.client_nonce,
				bootstrap_pub_key = excluded.bootstrap_pub_key, signature = excluded.signature
		`, t.PoW[:], t.Challenge, t.ClientNonce, t.BootstrapPubKey[:], t.Signature); err != nil {
			return fmt.Errorf("storage: store ticket: %w", err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM blocks`); err != nil {
		return fmt.Errorf("storage: clear blocks: %w", err)
	}
	for _, b := range state.Blocks {
		data, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("storage: encode block %d: %w", b.Header.Index, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO blocks (block_index, hash, data) VALUES (?, ?, ?)
			ON CONFLICT(block_index) DO UPDATE SET hash = excluded.hash, data = excluded.data
		`, b.Header.Index, fmt.Sprintf("%x", b.Header.Hash), string(data)); err != nil {
			return fmt.Errorf("storage: store block %d: %w", b.Header.Index, err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM dht_values`); err != nil {
		return fmt.Errorf("storage: clear dht values: %w", err)
	}
	for key, value := range state.DHTValues {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("storage: encode dht value %s: %w", key, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO dht_values (key, data) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET data = excluded.data
		`, key.String(), string(data)); err != nil {
			return fmt.Errorf("storage: store dht value %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
