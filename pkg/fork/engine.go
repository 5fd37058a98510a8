// Package fork copies an entire world graph into a fresh world in one
// transaction. The copy is a snapshot: readers never see a half-forked
// world, and a failure anywhere leaves no trace of the attempt.
package fork

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kittclouds/worldfork/internal/store"
	"github.com/kittclouds/worldfork/internal/worlderr"
)

// Engine performs world forks against an injected store handle.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the engine's clock. Tests use this for stable
// created_at values.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a fork engine backed by s.
func NewEngine(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes a completed fork.
type Result struct {
	NewWorldID string `json:"newWorldId"`
	Places     int    `json:"places"`
	Objects    int    `json:"objects"`
	Characters int    `json:"characters"`
	Inventory  int    `json:"inventory"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

// Fork deep-copies the world identified by sourceID and returns the new
// world's id. Every copied row gets a fresh id; references between rows
// (the player's current place, inventory object ids) are remapped to the
// copies. The source's fork counter is incremented in the same transaction.
func (e *Engine) Fork(ctx context.Context, sourceID string) (*Result, error) {
	if sourceID == "" {
		return nil, fmt.Errorf("%w: source world id required", worlderr.ErrInvalidArgument)
	}

	start := e.now()
	res := &Result{NewWorldID: e.newID()}

	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		src, err := tx.World(ctx, sourceID)
		if err != nil {
			return err
		}

		// Snapshot the source graph before writing anything so every minted
		// id, the new world's included, can be checked against the full set
		// of source ids.
		perKind := make(map[store.Kind][]*store.Entity, len(store.Kinds))
		sourceIDs := make(map[string]bool)
		for _, kind := range store.Kinds {
			entities, err := tx.Entities(ctx, sourceID, kind)
			if err != nil {
				return err
			}
			for _, src := range entities {
				if sourceIDs[src.ID] {
					return fmt.Errorf("%w: duplicate entity id %s in source world",
						worlderr.ErrIntegrityViolation, src.ID)
				}
				sourceIDs[src.ID] = true
			}
			perKind[kind] = entities
		}
		if res.NewWorldID == sourceID || sourceIDs[res.NewWorldID] {
			return fmt.Errorf("%w: id generator reissued id %s",
				worlderr.ErrIntegrityViolation, res.NewWorldID)
		}

		now := e.now().UnixMilli()
		if err := tx.InsertWorld(ctx, &store.World{
			ID:          res.NewWorldID,
			Title:       src.Title + " (fork)",
			Description: src.Description,
			CreatedAt:   now,
			ForkCount:   0,
		}); err != nil {
			return err
		}

		// idMap carries old entity id -> new entity id across all kinds so
		// player state and inventory can be rewired after the copy. Every
		// fresh id must differ from every source id and every id minted
		// earlier in this fork; a collision means the generator is broken.
		idMap := make(map[string]string)
		minted := map[string]bool{res.NewWorldID: true}
		counts := map[store.Kind]int{}
		for _, kind := range store.Kinds {
			for _, src := range perKind[kind] {
				fresh := e.newID()
				if minted[fresh] || sourceIDs[fresh] {
					return fmt.Errorf("%w: id generator reissued id %s",
						worlderr.ErrIntegrityViolation, fresh)
				}
				minted[fresh] = true
				idMap[src.ID] = fresh
				if err := tx.InsertEntity(ctx, &store.Entity{
					ID:          fresh,
					WorldID:     res.NewWorldID,
					Kind:        kind,
					Name:        src.Name,
					Description: src.Description,
					Embedding:   src.Embedding,
					CreatedAt:   now,
				}); err != nil {
					return err
				}
				counts[kind]++
			}
		}

		if err := e.copyPlayerState(ctx, tx, sourceID, res.NewWorldID, idMap); err != nil {
			return err
		}

		entries, err := tx.InventoryEntries(ctx, sourceID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			mapped, ok := idMap[entry.ObjectID]
			if !ok {
				return fmt.Errorf("%w: inventory references unknown object %s",
					worlderr.ErrIntegrityViolation, entry.ObjectID)
			}
			if err := tx.InsertInventoryEntry(ctx, store.InventoryEntry{
				WorldID:    res.NewWorldID,
				ObjectID:   mapped,
				AcquiredAt: entry.AcquiredAt,
			}); err != nil {
				return err
			}
			res.Inventory++
		}

		if err := tx.IncrementForkCount(ctx, sourceID); err != nil {
			return err
		}

		res.Places = counts[store.KindPlace]
		res.Objects = counts[store.KindObject]
		res.Characters = counts[store.KindCharacter]
		return nil
	})
	if err != nil {
		e.logger.Error("fork failed", "sourceWorldId", sourceID, "error", err)
		return nil, err
	}

	res.ElapsedMs = e.now().Sub(start).Milliseconds()
	e.logger.Info("world forked",
		"sourceWorldId", sourceID,
		"newWorldId", res.NewWorldID,
		"places", res.Places,
		"objects", res.Objects,
		"characters", res.Characters,
		"inventory", res.Inventory,
		"elapsedMs", res.ElapsedMs)
	return res, nil
}

// copyPlayerState copies the source world's player state, remapping the
// current place to its copy. A source without player state is fine; a
// player standing in a place that was not copied is not.
func (e *Engine) copyPlayerState(ctx context.Context, tx *store.Tx, sourceID, newID string, idMap map[string]string) error {
	ps, err := tx.PlayerState(ctx, sourceID)
	if worlderr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	place := ""
	if ps.CurrentPlaceID != "" {
		mapped, ok := idMap[ps.CurrentPlaceID]
		if !ok {
			return fmt.Errorf("%w: player state references unknown place %s",
				worlderr.ErrIntegrityViolation, ps.CurrentPlaceID)
		}
		place = mapped
	}
	return tx.InsertPlayerState(ctx, &store.PlayerState{
		WorldID:        newID,
		CurrentPlaceID: place,
	})
}
