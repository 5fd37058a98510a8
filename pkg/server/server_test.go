package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/worldfork/internal/store"
	"github.com/kittclouds/worldfork/pkg/embed"
	"github.com/kittclouds/worldfork/pkg/fork"
	"github.com/kittclouds/worldfork/pkg/search"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	emb := embed.NewCached(embed.NewLocal())
	srv := New(st, fork.NewEngine(st), search.NewEngine(st, emb), emb)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestWorldLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	var world store.World
	code := doJSON(t, http.MethodPost, ts.URL+"/api/worlds",
		map[string]string{"title": "Vale", "description": "green"}, &world)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, world.ID)

	var got store.World
	code = doJSON(t, http.MethodGet, ts.URL+"/api/worlds/"+world.ID, nil, &got)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Vale", got.Title)

	var worlds []store.WorldSummary
	code = doJSON(t, http.MethodGet, ts.URL+"/api/worlds", nil, &worlds)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, worlds, 1)

	code = doJSON(t, http.MethodDelete, ts.URL+"/api/worlds/"+world.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, code)

	code = doJSON(t, http.MethodGet, ts.URL+"/api/worlds/"+world.ID, nil, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestCreateEntityAndSearch(t *testing.T) {
	ts, _ := newTestServer(t)

	var world store.World
	doJSON(t, http.MethodPost, ts.URL+"/api/worlds", map[string]string{"title": "W"}, &world)

	var entity store.Entity
	code := doJSON(t, http.MethodPost, ts.URL+"/api/entities", map[string]string{
		"worldId":     world.ID,
		"kind":        "room",
		"name":        "Dark Cave",
		"description": "dripping stone",
	}, &entity)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, store.KindPlace, entity.Kind)

	// Decode raw to pin the wire keys: entity kind travels as "type".
	var raw []map[string]any
	code = doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/search?worldId=%s&q=%s", ts.URL, world.ID, "cave"), nil, &raw)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, raw, 1)
	require.Equal(t, "room", raw[0]["type"])
	require.NotContains(t, raw[0], "kind")
	require.Equal(t, string(search.SourceLexical), raw[0]["source"])

	code = doJSON(t, http.MethodPost, ts.URL+"/api/entities", map[string]string{
		"worldId": world.ID,
		"kind":    "dragon",
		"name":    "X",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestSearchPostWithEmbedding(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	emb := embed.NewLocal()
	world, _ := st.CreateWorld(ctx, "W", "")
	vec, err := emb.Embed(ctx, "Glowing Orb a luminous artifact")
	require.NoError(t, err)
	_, err = st.CreateEntity(ctx, world.ID, store.KindObject, "Glowing Orb", "a luminous artifact", vec)
	require.NoError(t, err)

	queryVec, err := emb.Embed(ctx, "shimmering luminous artifact")
	require.NoError(t, err)

	var results []search.Result
	code := doJSON(t, http.MethodPost, ts.URL+"/api/search", map[string]any{
		"worldId":        world.ID,
		"queryText":      "shimmering radiance",
		"queryEmbedding": queryVec,
		"limit":          3,
	}, &results)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, results, 1)
	require.Equal(t, search.SourceVector, results[0].Source)
	require.Equal(t, "Glowing Orb", results[0].Name)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/search", map[string]any{
		"worldId":        world.ID,
		"queryText":      "anything",
		"queryEmbedding": []float32{1, 2, 3},
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestForkEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	world, err := st.CreateWorld(ctx, "Origin", "")
	require.NoError(t, err)
	_, err = st.CreateEntity(ctx, world.ID, store.KindPlace, "Hall", "", nil)
	require.NoError(t, err)

	var res fork.Result
	code := doJSON(t, http.MethodPost, ts.URL+"/api/fork",
		map[string]string{"sourceWorldId": world.ID}, &res)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, res.NewWorldID)
	require.Equal(t, 1, res.Places)

	src, err := st.World(ctx, world.ID)
	require.NoError(t, err)
	require.Equal(t, 1, src.ForkCount)

	// Older clients send worldId; still accepted.
	code = doJSON(t, http.MethodPost, ts.URL+"/api/fork",
		map[string]string{"worldId": world.ID}, &res)
	require.Equal(t, http.StatusCreated, code)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/fork",
		map[string]string{"sourceWorldId": "missing"}, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestPlayerAndMap(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	world, _ := st.CreateWorld(ctx, "W", "")
	gate, _ := st.CreateEntity(ctx, world.ID, store.KindPlace, "Gate", "", nil)
	tower, _ := st.CreateEntity(ctx, world.ID, store.KindPlace, "Tower", "", nil)

	var ps store.PlayerState
	code := doJSON(t, http.MethodGet, ts.URL+"/api/player?worldId="+world.ID, nil, &ps)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, gate.ID, ps.CurrentPlaceID)

	code = doJSON(t, http.MethodPost, ts.URL+"/api/player/move",
		map[string]string{"worldId": world.ID, "placeId": tower.ID}, &ps)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, tower.ID, ps.CurrentPlaceID)

	var m worldMap
	code = doJSON(t, http.MethodGet, ts.URL+"/api/map?worldId="+world.ID, nil, &m)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, m.Places, 2)
	for _, p := range m.Places {
		require.Equal(t, p.ID == tower.ID, p.IsCurrent)
	}
	require.Equal(t, []mapConnection{{From: gate.ID, To: tower.ID}}, m.Connections)
}

func TestInventoryEndpoints(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	world, _ := st.CreateWorld(ctx, "W", "")
	key, _ := st.CreateEntity(ctx, world.ID, store.KindObject, "Key", "", nil)

	code := doJSON(t, http.MethodPost, ts.URL+"/api/inventory",
		map[string]string{"worldId": world.ID, "objectId": key.ID}, nil)
	require.Equal(t, http.StatusNoContent, code)

	var items []store.Entity
	code = doJSON(t, http.MethodGet, ts.URL+"/api/inventory?worldId="+world.ID, nil, &items)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, items, 1)
	require.Equal(t, "Key", items[0].Name)
}

func TestScanEndpoint(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()

	world, _ := st.CreateWorld(ctx, "W", "")
	_, err := st.CreateEntity(ctx, world.ID, store.KindCharacter, "Mira", "", nil)
	require.NoError(t, err)

	var mentions []map[string]any
	code := doJSON(t, http.MethodPost, ts.URL+"/api/scan",
		map[string]string{"worldId": world.ID, "text": "Mira waved."}, &mentions)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, mentions, 1)
	require.Equal(t, "Mira", mentions[0]["text"])

	code = doJSON(t, http.MethodPost, ts.URL+"/api/scan",
		map[string]string{"worldId": "missing", "text": "hi"}, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var env map[string]any
	code := doJSON(t, http.MethodGet, ts.URL+"/api/health", nil, &env)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", env["status"])
}
