// Package store provides SQLite-backed persistence for worldfork.
// Uses ncruces/go-sqlite3/driver which provides a database/sql interface;
// sqlite-vec supplies the per-kind vector indexes.
package store

import (
	"context"
	"fmt"

	"github.com/kittclouds/worldfork/internal/worlderr"
)

// Dims is the fixed embedding dimensionality. Vectors are either nil or
// exactly this long; anything else is rejected at the store boundary.
const Dims = 768

// Kind identifies a searchable entity table. The values are the wire names
// used by the HTTP API and the search result payloads.
type Kind string

const (
	KindPlace     Kind = "room"
	KindObject    Kind = "item"
	KindCharacter Kind = "npc"
)

// Kinds lists all searchable entity kinds in deterministic order.
var Kinds = []Kind{KindPlace, KindObject, KindCharacter}

// Valid reports whether k names a known entity table.
func (k Kind) Valid() bool {
	switch k {
	case KindPlace, KindObject, KindCharacter:
		return true
	}
	return false
}

// World is one independent instance of the simulated game state.
// ForkCount is monotonically non-decreasing; it is incremented exactly once
// per successful fork of this world as the source.
type World struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	ForkCount   int    `json:"forkCount"`
}

// WorldSummary is the listing row consumed by the UI boundary.
type WorldSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Entity is a world-scoped place, object, or character. The three kinds share
// one shape; Kind selects the backing table.
type Entity struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"worldId"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Embedding   []float32 `json:"embedding,omitempty"`
	CreatedAt   int64     `json:"createdAt"`
}

// PlayerState is the per-world player position. At most one row per world;
// CurrentPlaceID references a place in the same world or is empty.
type PlayerState struct {
	WorldID        string `json:"worldId"`
	CurrentPlaceID string `json:"currentPlaceId,omitempty"`
}

// InventoryEntry links an object to the player's inventory in one world.
// Composite key (WorldID, ObjectID).
type InventoryEntry struct {
	WorldID    string `json:"worldId"`
	ObjectID   string `json:"objectId"`
	AcquiredAt int64  `json:"acquiredAt"`
}

// Hit is one candidate row from a single-stage, single-kind search primitive.
// Rank carries the bm25 relevance for lexical hits (lower is better) or the
// vector distance for KNN hits (smaller is more similar).
type Hit struct {
	ID        string
	Kind      Kind
	Name      string
	Rank      float64
	CreatedAt int64
	Rowid     int64
}

// ValidateEmbedding enforces the nil-or-exactly-Dims invariant.
func ValidateEmbedding(emb []float32) error {
	if emb != nil && len(emb) != Dims {
		return fmt.Errorf("%w: embedding must have %d dimensions, got %d",
			worlderr.ErrInvalidArgument, Dims, len(emb))
	}
	return nil
}

// WorldStore is the typed operation set the engines and the HTTP boundary
// depend on. Store is the sole implementation; the interface exists so the
// storage handle is injected everywhere instead of living in a global.
type WorldStore interface {
	// Worlds
	CreateWorld(ctx context.Context, title, description string) (*World, error)
	World(ctx context.Context, id string) (*World, error)
	ListWorlds(ctx context.Context) ([]WorldSummary, error)
	DeleteWorld(ctx context.Context, id string) error

	// Entities
	CreateEntity(ctx context.Context, worldID string, kind Kind, name, description string, embedding []float32) (*Entity, error)
	Entity(ctx context.Context, kind Kind, id string) (*Entity, error)
	Entities(ctx context.Context, worldID string, kind Kind) ([]*Entity, error)
	CountEntities(ctx context.Context, worldID string, kind Kind) (int, error)

	// Player state and inventory
	EnsurePlayerState(ctx context.Context, worldID string) (*PlayerState, error)
	PlayerState(ctx context.Context, worldID string) (*PlayerState, error)
	MovePlayer(ctx context.Context, worldID, placeID string) error
	AddToInventory(ctx context.Context, worldID, objectID string) error
	Inventory(ctx context.Context, worldID string) ([]*Entity, error)

	// Search primitives (fixed, parameterized; the fallback policy lives in
	// pkg/search)
	LexicalSearch(ctx context.Context, worldID string, kind Kind, match string, limit int) ([]Hit, error)
	VectorSearch(ctx context.Context, worldID string, kind Kind, embedding []float32, limit int) ([]Hit, error)

	// Transactions (the fork engine owns one for the whole copy)
	WithTx(ctx context.Context, fn func(tx *Tx) error) error

	// Lifecycle
	Check(ctx context.Context) []string
	Close() error
}
