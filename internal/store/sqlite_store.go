package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-sqlite3"

	"github.com/kittclouds/worldfork/internal/worlderr"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// Store is the SQLite-backed world store. Thread-safe; a single handle is
// constructed in the composition root and injected into the engines.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// schema defines the relational tables. Referential integrity is enforced by
// SQLite (foreign_keys pragma is set in the DSN): deleting a world cascades
// to every dependent row.
const schema = `
CREATE TABLE IF NOT EXISTS worlds (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT,
    created_at INTEGER NOT NULL,
    fork_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS places (
    id TEXT PRIMARY KEY,
    world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT,
    embedding TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_places_world ON places(world_id);

CREATE TABLE IF NOT EXISTS objects (
    id TEXT PRIMARY KEY,
    world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT,
    embedding TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_objects_world ON objects(world_id);

CREATE TABLE IF NOT EXISTS characters (
    id TEXT PRIMARY KEY,
    world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT,
    embedding TEXT,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_characters_world ON characters(world_id);

CREATE TABLE IF NOT EXISTS player_state (
    world_id TEXT PRIMARY KEY REFERENCES worlds(id) ON DELETE CASCADE,
    current_place_id TEXT REFERENCES places(id)
);

CREATE TABLE IF NOT EXISTS player_inventory (
    world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
    object_id TEXT NOT NULL REFERENCES objects(id) ON DELETE CASCADE,
    acquired_at INTEGER NOT NULL,
    PRIMARY KEY (world_id, object_id)
);
CREATE INDEX IF NOT EXISTS idx_player_inventory_world ON player_inventory(world_id);
`

// kindTables maps an entity kind to its backing table and per-kind indexes.
type kindTables struct {
	table  string
	fts    string
	vec    string
	vecKey string
}

var kindSpec = map[Kind]kindTables{
	KindPlace:     {table: "places", fts: "fts_places", vec: "vec_places", vecKey: "place_rowid"},
	KindObject:    {table: "objects", fts: "fts_objects", vec: "vec_objects", vecKey: "object_rowid"},
	KindCharacter: {table: "characters", fts: "fts_characters", vec: "vec_characters", vecKey: "character_rowid"},
}

// ftsTemplate builds an external-content FTS5 table per entity kind plus the
// triggers that keep it in sync with the base table. %[1]s is the base table,
// %[2]s the FTS table.
const ftsTemplate = `
CREATE VIRTUAL TABLE IF NOT EXISTS %[2]s USING fts5(
    name, description,
    content='%[1]s',
    content_rowid='rowid',
    tokenize='porter unicode61'
);
CREATE TRIGGER IF NOT EXISTS %[1]s_fts_ai AFTER INSERT ON %[1]s BEGIN
    INSERT INTO %[2]s(rowid, name, description) VALUES (new.rowid, new.name, new.description);
END;
CREATE TRIGGER IF NOT EXISTS %[1]s_fts_ad AFTER DELETE ON %[1]s BEGIN
    INSERT INTO %[2]s(%[2]s, rowid, name, description) VALUES ('delete', old.rowid, old.name, old.description);
END;
CREATE TRIGGER IF NOT EXISTS %[1]s_fts_au AFTER UPDATE ON %[1]s BEGIN
    INSERT INTO %[2]s(%[2]s, rowid, name, description) VALUES ('delete', old.rowid, old.name, old.description);
    INSERT INTO %[2]s(rowid, name, description) VALUES (new.rowid, new.name, new.description);
END;
`

// vecTemplate builds a vec0 vector index per entity kind. The world_id
// partition key keeps KNN queries scoped to one world. vec0 tables have no
// trigger support, so the store's insert/delete paths maintain them.
const vecTemplate = `
CREATE VIRTUAL TABLE IF NOT EXISTS %[2]s USING vec0(
    %[3]s INTEGER PRIMARY KEY,
    world_id TEXT PARTITION KEY,
    embedding FLOAT[%[4]d]
);
`

// New opens or creates a world store at path. Use NewMemory for tests.
func New(path string) (*Store, error) {
	return open("file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=recursive_triggers(1)")
}

// NewMemory creates an in-memory store.
func NewMemory() (*Store, error) {
	return open("file::memory:?_pragma=foreign_keys(1)&_pragma=recursive_triggers(1)")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: SQLite has a single writer, and an extra pooled
	// connection would see a different database when the DSN is :memory:.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	for _, k := range Kinds {
		t := kindSpec[k]
		if _, err := db.Exec(fmt.Sprintf(ftsTemplate, t.table, t.fts)); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", t.fts, err)
		}
		if _, err := db.Exec(fmt.Sprintf(vecTemplate, t.table, t.vec, t.vecKey, Dims)); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s: %w", t.vec, err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so the fixed statement set
// below serves direct calls and fork transactions alike.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, worlderr.ErrStorageFailure, err)
}

func encodeEmbedding(emb []float32) (any, error) {
	if emb == nil {
		return nil, nil
	}
	b, err := json.Marshal(emb)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEmbedding(raw sql.NullString) ([]float32, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var emb []float32
	if err := json.Unmarshal([]byte(raw.String), &emb); err != nil {
		return nil, err
	}
	return emb, nil
}

// =============================================================================
// Worlds
// =============================================================================

// CreateWorld allocates a fresh world with fork_count zero.
func (s *Store) CreateWorld(ctx context.Context, title, description string) (*World, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: title required", worlderr.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := &World{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := insertWorld(ctx, s.db, w); err != nil {
		return nil, err
	}
	return w, nil
}

func insertWorld(ctx context.Context, q querier, w *World) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO worlds (id, title, description, created_at, fork_count)
		VALUES (?, ?, ?, ?, ?)
	`, w.ID, w.Title, w.Description, w.CreatedAt, w.ForkCount)
	if err != nil {
		return storeErr("insert world", err)
	}
	return nil
}

// World retrieves a world by id.
func (s *Store) World(ctx context.Context, id string) (*World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWorld(ctx, s.db, id)
}

func getWorld(ctx context.Context, q querier, id string) (*World, error) {
	var w World
	var desc sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, title, description, created_at, fork_count
		FROM worlds WHERE id = ?
	`, id).Scan(&w.ID, &w.Title, &desc, &w.CreatedAt, &w.ForkCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: world %s", worlderr.ErrNotFound, id)
	}
	if err != nil {
		return nil, storeErr("get world", err)
	}
	w.Description = desc.String
	return &w, nil
}

// ListWorlds returns all worlds, most recently created first.
func (s *Store) ListWorlds(ctx context.Context) ([]WorldSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at FROM worlds ORDER BY created_at DESC, id
	`)
	if err != nil {
		return nil, storeErr("list worlds", err)
	}
	defer rows.Close()

	var out []WorldSummary
	for rows.Next() {
		var w WorldSummary
		if err := rows.Scan(&w.ID, &w.Title, &w.UpdatedAt); err != nil {
			return nil, storeErr("scan world", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list worlds", err)
	}
	return out, nil
}

// DeleteWorld removes a world and every dependent row. The vec0 indexes have
// no foreign keys, so they are cleared explicitly in the same transaction.
func (s *Store) DeleteWorld(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin delete", err)
	}
	defer tx.Rollback()

	for _, k := range Kinds {
		t := kindSpec[k]
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+t.vec+` WHERE world_id = ?`, id); err != nil {
			return storeErr("clear "+t.vec, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM worlds WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete world", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("delete world", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: world %s", worlderr.ErrNotFound, id)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit delete", err)
	}
	return nil
}

// =============================================================================
// Entities
// =============================================================================

// CreateEntity inserts a place, object, or character with a fresh id.
// The embedding, when present, must be exactly Dims long; it is also written
// into the kind's vec0 index.
func (s *Store) CreateEntity(ctx context.Context, worldID string, kind Kind, name, description string, embedding []float32) (*Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	if worldID == "" || name == "" {
		return nil, fmt.Errorf("%w: worldId and name required", worlderr.ErrInvalidArgument)
	}
	if err := ValidateEmbedding(embedding); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := &Entity{
		ID:          uuid.NewString(),
		WorldID:     worldID,
		Kind:        kind,
		Name:        name,
		Description: description,
		Embedding:   embedding,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := insertEntity(ctx, s.db, e); err != nil {
		return nil, err
	}
	return e, nil
}

// insertEntity writes the base row and, when an embedding is present, the
// matching vec0 row. Used by CreateEntity and by fork transactions; the FTS
// index is maintained by triggers.
func insertEntity(ctx context.Context, q querier, e *Entity) error {
	t := kindSpec[e.Kind]
	emb, err := encodeEmbedding(e.Embedding)
	if err != nil {
		return storeErr("encode embedding", err)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO `+t.table+` (id, world_id, name, description, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.WorldID, e.Name, e.Description, emb, e.CreatedAt)
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("%w: world %s does not exist", worlderr.ErrIntegrityViolation, e.WorldID)
		}
		return storeErr("insert "+t.table, err)
	}

	if e.Embedding != nil {
		rowid, err := res.LastInsertId()
		if err != nil {
			return storeErr("insert "+t.table, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO `+t.vec+` (`+t.vecKey+`, world_id, embedding)
			VALUES (?, ?, ?)
		`, rowid, e.WorldID, emb); err != nil {
			return storeErr("insert "+t.vec, err)
		}
	}
	return nil
}

func isForeignKeyErr(err error) bool {
	var serr *sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode() == sqlite3.CONSTRAINT_FOREIGNKEY
}

// Entity retrieves one entity by kind and id.
func (s *Store) Entity(ctx context.Context, kind Kind, id string) (*Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := kindSpec[kind]
	var e Entity
	var desc, emb sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, world_id, name, description, embedding, created_at
		FROM `+t.table+` WHERE id = ?
	`, id).Scan(&e.ID, &e.WorldID, &e.Name, &desc, &emb, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", worlderr.ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, storeErr("get "+t.table, err)
	}
	e.Kind = kind
	e.Description = desc.String
	if e.Embedding, err = decodeEmbedding(emb); err != nil {
		return nil, storeErr("decode embedding", err)
	}
	return &e, nil
}

// Entities lists all entities of one kind in a world, in creation order.
func (s *Store) Entities(ctx context.Context, worldID string, kind Kind) ([]*Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntities(ctx, s.db, worldID, kind)
}

func listEntities(ctx context.Context, q querier, worldID string, kind Kind) ([]*Entity, error) {
	t := kindSpec[kind]
	rows, err := q.QueryContext(ctx, `
		SELECT id, world_id, name, description, embedding, created_at
		FROM `+t.table+` WHERE world_id = ? ORDER BY created_at, rowid
	`, worldID)
	if err != nil {
		return nil, storeErr("list "+t.table, err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var desc, emb sql.NullString
		if err := rows.Scan(&e.ID, &e.WorldID, &e.Name, &desc, &emb, &e.CreatedAt); err != nil {
			return nil, storeErr("scan "+t.table, err)
		}
		e.Kind = kind
		e.Description = desc.String
		if e.Embedding, err = decodeEmbedding(emb); err != nil {
			return nil, storeErr("decode embedding", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list "+t.table, err)
	}
	return out, nil
}

// CountEntities returns the number of entities of one kind in a world.
func (s *Store) CountEntities(ctx context.Context, worldID string, kind Kind) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := kindSpec[kind]
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+t.table+` WHERE world_id = ?`, worldID).Scan(&n)
	if err != nil {
		return 0, storeErr("count "+t.table, err)
	}
	return n, nil
}

// =============================================================================
// Player state and inventory
// =============================================================================

// EnsurePlayerState returns the world's player state, creating one on first
// access located at the world's first place (or nowhere if the world has no
// places yet).
func (s *Store) EnsurePlayerState(ctx context.Context, worldID string) (*PlayerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := getWorld(ctx, s.db, worldID); err != nil {
		return nil, err
	}
	ps, err := getPlayerState(ctx, s.db, worldID)
	if err == nil {
		return ps, nil
	}
	if !errors.Is(err, worlderr.ErrNotFound) {
		return nil, err
	}

	var first sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM places WHERE world_id = ? ORDER BY created_at, rowid LIMIT 1`,
		worldID).Scan(&first)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, storeErr("first place", err)
	}

	ps = &PlayerState{WorldID: worldID, CurrentPlaceID: first.String}
	if err := insertPlayerState(ctx, s.db, ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// PlayerState retrieves the world's player state.
func (s *Store) PlayerState(ctx context.Context, worldID string) (*PlayerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPlayerState(ctx, s.db, worldID)
}

func getPlayerState(ctx context.Context, q querier, worldID string) (*PlayerState, error) {
	var ps PlayerState
	var place sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT world_id, current_place_id FROM player_state WHERE world_id = ?
	`, worldID).Scan(&ps.WorldID, &place)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: player state for world %s", worlderr.ErrNotFound, worldID)
	}
	if err != nil {
		return nil, storeErr("get player state", err)
	}
	ps.CurrentPlaceID = place.String
	return &ps, nil
}

func insertPlayerState(ctx context.Context, q querier, ps *PlayerState) error {
	var place any
	if ps.CurrentPlaceID != "" {
		place = ps.CurrentPlaceID
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO player_state (world_id, current_place_id) VALUES (?, ?)
		ON CONFLICT (world_id) DO NOTHING
	`, ps.WorldID, place)
	if err != nil {
		return storeErr("insert player state", err)
	}
	return nil
}

// MovePlayer sets the player's current place. The place must belong to the
// same world; a cross-world reference is an integrity violation, not a move.
func (s *Store) MovePlayer(ctx context.Context, worldID, placeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var placeWorld string
	err := s.db.QueryRowContext(ctx,
		`SELECT world_id FROM places WHERE id = ?`, placeID).Scan(&placeWorld)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: place %s", worlderr.ErrNotFound, placeID)
	}
	if err != nil {
		return storeErr("get place", err)
	}
	if placeWorld != worldID {
		return fmt.Errorf("%w: place %s belongs to world %s, not %s",
			worlderr.ErrIntegrityViolation, placeID, placeWorld, worldID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO player_state (world_id, current_place_id) VALUES (?, ?)
		ON CONFLICT (world_id) DO UPDATE SET current_place_id = excluded.current_place_id
	`, worldID, placeID)
	if err != nil {
		return storeErr("move player", err)
	}
	return nil
}

// AddToInventory adds an object to the player's inventory. Adding an object
// already held is a no-op; adding an object from another world is an
// integrity violation.
func (s *Store) AddToInventory(ctx context.Context, worldID, objectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var objWorld string
	err := s.db.QueryRowContext(ctx,
		`SELECT world_id FROM objects WHERE id = ?`, objectID).Scan(&objWorld)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: object %s", worlderr.ErrNotFound, objectID)
	}
	if err != nil {
		return storeErr("get object", err)
	}
	if objWorld != worldID {
		return fmt.Errorf("%w: object %s belongs to world %s, not %s",
			worlderr.ErrIntegrityViolation, objectID, objWorld, worldID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO player_inventory (world_id, object_id, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT (world_id, object_id) DO NOTHING
	`, worldID, objectID, time.Now().UnixMilli())
	if err != nil {
		return storeErr("add to inventory", err)
	}
	return nil
}

// Inventory lists the objects in the player's inventory, oldest pickup first.
func (s *Store) Inventory(ctx context.Context, worldID string) ([]*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.world_id, o.name, o.description, o.created_at
		FROM player_inventory pi
		JOIN objects o ON o.id = pi.object_id
		WHERE pi.world_id = ?
		ORDER BY pi.acquired_at, o.rowid
	`, worldID)
	if err != nil {
		return nil, storeErr("list inventory", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var desc sql.NullString
		if err := rows.Scan(&e.ID, &e.WorldID, &e.Name, &desc, &e.CreatedAt); err != nil {
			return nil, storeErr("scan inventory", err)
		}
		e.Kind = KindObject
		e.Description = desc.String
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list inventory", err)
	}
	return out, nil
}

func listInventory(ctx context.Context, q querier, worldID string) ([]InventoryEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT world_id, object_id, acquired_at FROM player_inventory
		WHERE world_id = ? ORDER BY acquired_at, object_id
	`, worldID)
	if err != nil {
		return nil, storeErr("list inventory", err)
	}
	defer rows.Close()

	var out []InventoryEntry
	for rows.Next() {
		var ie InventoryEntry
		if err := rows.Scan(&ie.WorldID, &ie.ObjectID, &ie.AcquiredAt); err != nil {
			return nil, storeErr("scan inventory", err)
		}
		out = append(out, ie)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list inventory", err)
	}
	return out, nil
}

func insertInventoryEntry(ctx context.Context, q querier, ie InventoryEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO player_inventory (world_id, object_id, acquired_at) VALUES (?, ?, ?)
	`, ie.WorldID, ie.ObjectID, ie.AcquiredAt)
	if err != nil {
		if isForeignKeyErr(err) {
			return fmt.Errorf("%w: inventory object %s", worlderr.ErrIntegrityViolation, ie.ObjectID)
		}
		return storeErr("insert inventory entry", err)
	}
	return nil
}

// =============================================================================
// Search primitives
// =============================================================================

// LexicalSearch runs an FTS5 MATCH over one kind's name+description within a
// world. match must already be a well-formed FTS5 expression (pkg/search
// builds it); results come back in bm25 relevance order with creation time
// and rowid as tie-breaks.
func (s *Store) LexicalSearch(ctx context.Context, worldID string, kind Kind, match string, limit int) ([]Hit, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := kindSpec[kind]
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT e.id, e.name, e.created_at, e.rowid, bm25(%[1]s) AS rank
		FROM %[1]s
		JOIN %[2]s e ON e.rowid = %[1]s.rowid
		WHERE %[1]s MATCH ? AND e.world_id = ?
		ORDER BY rank, e.created_at, e.rowid
		LIMIT ?
	`, t.fts, t.table), match, worldID, limit)
	if err != nil {
		return nil, storeErr("lexical search "+t.table, err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		h := Hit{Kind: kind}
		if err := rows.Scan(&h.ID, &h.Name, &h.CreatedAt, &h.Rowid, &h.Rank); err != nil {
			return nil, storeErr("scan lexical hit", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("lexical search "+t.table, err)
	}
	return out, nil
}

// VectorSearch runs a KNN query over one kind's vec0 index within a world,
// ordered by ascending distance. Entities without embeddings are absent from
// the index and therefore never ranked.
func (s *Store) VectorSearch(ctx context.Context, worldID string, kind Kind, embedding []float32, limit int) ([]Hit, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	if len(embedding) != Dims {
		return nil, fmt.Errorf("%w: embedding must have %d dimensions, got %d",
			worlderr.ErrInvalidArgument, Dims, len(embedding))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	emb, err := encodeEmbedding(embedding)
	if err != nil {
		return nil, storeErr("encode embedding", err)
	}

	t := kindSpec[kind]
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %[1]s, distance FROM %[2]s
		WHERE embedding MATCH ? AND world_id = ? AND k = ?
		ORDER BY distance
	`, t.vecKey, t.vec), emb, worldID, limit)
	if err != nil {
		return nil, storeErr("vector search "+t.vec, err)
	}

	type knn struct {
		rowid    int64
		distance float64
	}
	var nearest []knn
	for rows.Next() {
		var n knn
		if err := rows.Scan(&n.rowid, &n.distance); err != nil {
			rows.Close()
			return nil, storeErr("scan knn hit", err)
		}
		nearest = append(nearest, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storeErr("vector search "+t.vec, err)
	}
	rows.Close()

	if len(nearest) == 0 {
		return nil, nil
	}

	// Resolve rowids to entities in a second pass; a vec row without a base
	// row would be an index leak, surfaced as an integrity violation.
	placeholders := make([]string, len(nearest))
	args := make([]any, len(nearest))
	byRowid := make(map[int64]int, len(nearest))
	for i, n := range nearest {
		placeholders[i] = "?"
		args[i] = n.rowid
		byRowid[n.rowid] = i
	}
	entRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT rowid, id, name, created_at FROM %s WHERE rowid IN (%s)
	`, t.table, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, storeErr("resolve knn hits", err)
	}
	defer entRows.Close()

	hits := make([]Hit, len(nearest))
	found := 0
	for entRows.Next() {
		var rowid int64
		var h Hit
		if err := entRows.Scan(&rowid, &h.ID, &h.Name, &h.CreatedAt); err != nil {
			return nil, storeErr("scan knn entity", err)
		}
		i, ok := byRowid[rowid]
		if !ok {
			continue
		}
		h.Kind = kind
		h.Rowid = rowid
		h.Rank = nearest[i].distance
		hits[i] = h
		found++
	}
	if err := entRows.Err(); err != nil {
		return nil, storeErr("resolve knn hits", err)
	}
	if found != len(nearest) {
		return nil, fmt.Errorf("%w: %s references rows missing from %s",
			worlderr.ErrIntegrityViolation, t.vec, t.table)
	}
	return hits, nil
}

// =============================================================================
// Transactions
// =============================================================================

// Tx exposes the typed operations a fork runs inside one transaction.
// All reads see the transaction's snapshot; nothing is visible to other
// callers until WithTx commits.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a single transaction, committing when fn returns nil
// and rolling back otherwise (including cancellation mid-flight).
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit tx", err)
	}
	return nil
}

// World retrieves a world within the transaction snapshot.
func (t *Tx) World(ctx context.Context, id string) (*World, error) {
	return getWorld(ctx, t.tx, id)
}

// InsertWorld writes a fully populated world row.
func (t *Tx) InsertWorld(ctx context.Context, w *World) error {
	return insertWorld(ctx, t.tx, w)
}

// Entities lists one kind within the transaction snapshot, in creation order.
func (t *Tx) Entities(ctx context.Context, worldID string, kind Kind) ([]*Entity, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, kind)
	}
	return listEntities(ctx, t.tx, worldID, kind)
}

// InsertEntity writes a fully populated entity row plus its vec0 row.
func (t *Tx) InsertEntity(ctx context.Context, e *Entity) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown entity kind %q", worlderr.ErrInvalidArgument, e.Kind)
	}
	if err := ValidateEmbedding(e.Embedding); err != nil {
		return err
	}
	return insertEntity(ctx, t.tx, e)
}

// PlayerState retrieves a world's player state within the snapshot.
func (t *Tx) PlayerState(ctx context.Context, worldID string) (*PlayerState, error) {
	return getPlayerState(ctx, t.tx, worldID)
}

// InsertPlayerState writes a player state row.
func (t *Tx) InsertPlayerState(ctx context.Context, ps *PlayerState) error {
	return insertPlayerState(ctx, t.tx, ps)
}

// InventoryEntries lists a world's inventory rows within the snapshot.
func (t *Tx) InventoryEntries(ctx context.Context, worldID string) ([]InventoryEntry, error) {
	return listInventory(ctx, t.tx, worldID)
}

// InsertInventoryEntry writes one inventory row.
func (t *Tx) InsertInventoryEntry(ctx context.Context, ie InventoryEntry) error {
	return insertInventoryEntry(ctx, t.tx, ie)
}

// IncrementForkCount bumps a world's fork counter by one, atomically in the
// database rather than read-modify-write in Go.
func (t *Tx) IncrementForkCount(ctx context.Context, worldID string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE worlds SET fork_count = fork_count + 1 WHERE id = ?`, worldID)
	if err != nil {
		return storeErr("increment fork count", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("increment fork count", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: world %s", worlderr.ErrNotFound, worldID)
	}
	return nil
}

// =============================================================================
// Health
// =============================================================================

// Check verifies the persisted layout: every table, full-text index, and
// vector index the engines depend on. Returns a list of issues, empty when
// healthy. Backs both the /api/health endpoint and the doctor command.
func (s *Store) Check(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var issues []string
	required := []string{"worlds", "places", "objects", "characters", "player_state", "player_inventory"}
	for _, k := range Kinds {
		t := kindSpec[k]
		required = append(required, t.fts, t.vec)
	}
	for _, name := range required {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name).Scan(&n)
		if err != nil {
			issues = append(issues, fmt.Sprintf("check %s: %v", name, err))
			continue
		}
		if n == 0 {
			issues = append(issues, name+" missing")
		}
	}
	var fk int
	if err := s.db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil || fk != 1 {
		issues = append(issues, "foreign_keys pragma off")
	}
	return issues
}

// Compile-time interface check
var _ WorldStore = (*Store)(nil)
