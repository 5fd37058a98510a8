package fork

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kittclouds/worldfork/internal/store"
	"github.com/kittclouds/worldfork/internal/worlderr"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEmbedding(seed float32) []float32 {
	emb := make([]float32, store.Dims)
	for i := range emb {
		emb[i] = seed + float32(i)*0.001
	}
	return emb
}

// seedWorld builds a small but fully wired world: two places, two objects,
// one character, a player standing in the cave, one object in inventory.
func seedWorld(t *testing.T, s *store.Store) (worldID string, cave, key *store.Entity) {
	t.Helper()
	ctx := context.Background()

	w, err := s.CreateWorld(ctx, "Hollow Vale", "a valley of forks")
	if err != nil {
		t.Fatalf("CreateWorld: %v", err)
	}
	cave, err = s.CreateEntity(ctx, w.ID, store.KindPlace, "Dark Cave", "dripping stone", testEmbedding(0.1))
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, err := s.CreateEntity(ctx, w.ID, store.KindPlace, "Meadow", "open grass", nil); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	key, err = s.CreateEntity(ctx, w.ID, store.KindObject, "Silver Key", "opens the vault", testEmbedding(0.2))
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, err := s.CreateEntity(ctx, w.ID, store.KindObject, "Lantern", "flickers", nil); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, err := s.CreateEntity(ctx, w.ID, store.KindCharacter, "Mira", "keeper of the vale", testEmbedding(0.3)); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if err := s.MovePlayer(ctx, w.ID, cave.ID); err != nil {
		t.Fatalf("MovePlayer: %v", err)
	}
	if err := s.AddToInventory(ctx, w.ID, key.ID); err != nil {
		t.Fatalf("AddToInventory: %v", err)
	}
	return w.ID, cave, key
}

func TestForkCopiesEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, _, _ := seedWorld(t, s)

	res, err := NewEngine(s).Fork(ctx, worldID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if res.NewWorldID == "" || res.NewWorldID == worldID {
		t.Fatalf("bad new world id %q", res.NewWorldID)
	}
	if res.Places != 2 || res.Objects != 2 || res.Characters != 1 || res.Inventory != 1 {
		t.Fatalf("unexpected counts: %+v", res)
	}

	forked, err := s.World(ctx, res.NewWorldID)
	if err != nil {
		t.Fatalf("World: %v", err)
	}
	if forked.Title != "Hollow Vale (fork)" {
		t.Fatalf("forked title = %q", forked.Title)
	}
	if forked.ForkCount != 0 {
		t.Fatalf("forked world fork_count = %d, want 0", forked.ForkCount)
	}

	for _, kind := range store.Kinds {
		srcN, _ := s.CountEntities(ctx, worldID, kind)
		newN, _ := s.CountEntities(ctx, res.NewWorldID, kind)
		if srcN != newN {
			t.Fatalf("%s count mismatch: src %d, fork %d", kind, srcN, newN)
		}
	}
}

func TestForkMintsFreshIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, _, _ := seedWorld(t, s)

	res, err := NewEngine(s).Fork(ctx, worldID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	for _, kind := range store.Kinds {
		src, _ := s.Entities(ctx, worldID, kind)
		srcIDs := make(map[string]bool, len(src))
		for _, e := range src {
			srcIDs[e.ID] = true
		}
		copied, _ := s.Entities(ctx, res.NewWorldID, kind)
		for _, e := range copied {
			if srcIDs[e.ID] {
				t.Fatalf("forked %s reuses source id %s", kind, e.ID)
			}
			if e.WorldID != res.NewWorldID {
				t.Fatalf("forked %s %s has world %s", kind, e.ID, e.WorldID)
			}
		}
	}
}

func TestForkRemapsReferences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, cave, key := seedWorld(t, s)

	res, err := NewEngine(s).Fork(ctx, worldID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	ps, err := s.PlayerState(ctx, res.NewWorldID)
	if err != nil {
		t.Fatalf("PlayerState: %v", err)
	}
	if ps.CurrentPlaceID == cave.ID {
		t.Fatal("player place not remapped to the copy")
	}
	place, err := s.Entity(ctx, store.KindPlace, ps.CurrentPlaceID)
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if place.WorldID != res.NewWorldID || place.Name != "Dark Cave" {
		t.Fatalf("player stands in %+v, want copied Dark Cave", place)
	}

	inv, err := s.Inventory(ctx, res.NewWorldID)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if len(inv) != 1 {
		t.Fatalf("forked inventory size = %d, want 1", len(inv))
	}
	if inv[0].ID == key.ID {
		t.Fatal("inventory object not remapped to the copy")
	}
	if inv[0].WorldID != res.NewWorldID || inv[0].Name != "Silver Key" {
		t.Fatalf("inventory holds %+v, want copied Silver Key", inv[0])
	}
}

func TestForkPreservesEmbeddings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, _, _ := seedWorld(t, s)

	res, err := NewEngine(s).Fork(ctx, worldID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	// The copied cave keeps its vector; KNN inside the fork must find it.
	hits, err := s.VectorSearch(ctx, res.NewWorldID, store.KindPlace, testEmbedding(0.1), 5)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "Dark Cave" {
		t.Fatalf("forked vector index hits = %+v", hits)
	}
}

func TestForkIncrementsSourceCounter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, _, _ := seedWorld(t, s)
	e := NewEngine(s)

	const n = 4
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Fork(ctx, worldID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Fork: %v", err)
		}
	}

	src, err := s.World(ctx, worldID)
	if err != nil {
		t.Fatalf("World: %v", err)
	}
	if src.ForkCount != n {
		t.Fatalf("fork_count = %d, want %d", src.ForkCount, n)
	}
}

func TestForkSourceUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, cave, key := seedWorld(t, s)

	if _, err := NewEngine(s).Fork(ctx, worldID); err != nil {
		t.Fatalf("Fork: %v", err)
	}

	ps, _ := s.PlayerState(ctx, worldID)
	if ps.CurrentPlaceID != cave.ID {
		t.Fatal("source player state mutated by fork")
	}
	inv, _ := s.Inventory(ctx, worldID)
	if len(inv) != 1 || inv[0].ID != key.ID {
		t.Fatal("source inventory mutated by fork")
	}
}

func TestForkWithoutPlayerState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorld(ctx, "Empty-ish", "")
	if _, err := s.CreateEntity(ctx, w.ID, store.KindPlace, "Lone Rock", "", nil); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	res, err := NewEngine(s).Fork(ctx, w.ID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if _, err := s.PlayerState(ctx, res.NewWorldID); !worlderr.IsNotFound(err) {
		t.Fatalf("fork invented a player state: %v", err)
	}
}

func TestForkEmptyWorld(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w, _ := s.CreateWorld(ctx, "Void", "nothing here")
	res, err := NewEngine(s).Fork(ctx, w.ID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if res.Places+res.Objects+res.Characters+res.Inventory != 0 {
		t.Fatalf("empty world fork copied rows: %+v", res)
	}
	if _, err := s.World(ctx, res.NewWorldID); err != nil {
		t.Fatalf("forked empty world missing: %v", err)
	}
}

func TestForkUnknownWorld(t *testing.T) {
	s := newTestStore(t)

	_, err := NewEngine(s).Fork(context.Background(), "no-such-world")
	if !worlderr.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := NewEngine(s).Fork(context.Background(), ""); !errors.Is(err, worlderr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestForkRejectsReusedEntityID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, cave, _ := seedWorld(t, s)

	// A generator that hands back a source entity's id mid-copy must be
	// caught, not trusted to be unique.
	e := NewEngine(s)
	inner := e.newID
	calls := 0
	e.newID = func() string {
		calls++
		if calls == 2 {
			return cave.ID
		}
		return inner()
	}

	_, err := e.Fork(ctx, worldID)
	if !errors.Is(err, worlderr.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}

	worlds, err := s.ListWorlds(ctx)
	if err != nil {
		t.Fatalf("ListWorlds: %v", err)
	}
	if len(worlds) != 1 {
		t.Fatalf("failed fork left %d worlds, want the source only", len(worlds))
	}
}

func TestForkRejectsReusedWorldID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, _, _ := seedWorld(t, s)

	e := NewEngine(s)
	e.newID = func() string { return worldID }

	_, err := e.Fork(ctx, worldID)
	if !errors.Is(err, worlderr.ErrIntegrityViolation) {
		t.Fatalf("expected ErrIntegrityViolation, got %v", err)
	}
}

func TestForkOfFork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	worldID, _, _ := seedWorld(t, s)
	e := NewEngine(s)

	first, err := e.Fork(ctx, worldID)
	if err != nil {
		t.Fatalf("first Fork: %v", err)
	}
	second, err := e.Fork(ctx, first.NewWorldID)
	if err != nil {
		t.Fatalf("second Fork: %v", err)
	}

	w, _ := s.World(ctx, second.NewWorldID)
	if w.Title != "Hollow Vale (fork) (fork)" {
		t.Fatalf("title = %q", w.Title)
	}
	mid, _ := s.World(ctx, first.NewWorldID)
	if mid.ForkCount != 1 {
		t.Fatalf("intermediate fork_count = %d, want 1", mid.ForkCount)
	}
	root, _ := s.World(ctx, worldID)
	if root.ForkCount != 1 {
		t.Fatalf("root fork_count = %d, want 1", root.ForkCount)
	}
}
