// Package server exposes the world store and the fork/search engines over
// HTTP. Handlers stay thin: decode, call the engine, encode; all semantics
// live below.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kittclouds/worldfork/internal/store"
	"github.com/kittclouds/worldfork/internal/worlderr"
	"github.com/kittclouds/worldfork/pkg/embed"
	"github.com/kittclouds/worldfork/pkg/fork"
	"github.com/kittclouds/worldfork/pkg/namescan"
	"github.com/kittclouds/worldfork/pkg/pool"
	"github.com/kittclouds/worldfork/pkg/search"
)

// Server wires the HTTP surface to the engines.
type Server struct {
	store    *store.Store
	forker   *fork.Engine
	searcher *search.Engine
	embedder embed.Embedder
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a server over an injected store handle and engines.
func New(st *store.Store, forker *fork.Engine, searcher *search.Engine, embedder embed.Embedder, opts ...Option) *Server {
	s := &Server{
		store:    st,
		forker:   forker,
		searcher: searcher,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/worlds", s.handleListWorlds)
	mux.HandleFunc("POST /api/worlds", s.handleCreateWorld)
	mux.HandleFunc("GET /api/worlds/{id}", s.handleGetWorld)
	mux.HandleFunc("DELETE /api/worlds/{id}", s.handleDeleteWorld)

	mux.HandleFunc("POST /api/entities", s.handleCreateEntity)
	mux.HandleFunc("POST /api/fork", s.handleFork)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/search", s.handleSearchPost)

	mux.HandleFunc("GET /api/player", s.handlePlayer)
	mux.HandleFunc("POST /api/player/move", s.handleMove)
	mux.HandleFunc("GET /api/inventory", s.handleInventory)
	mux.HandleFunc("POST /api/inventory", s.handlePickUp)
	mux.HandleFunc("GET /api/map", s.handleMap)
	mux.HandleFunc("POST /api/scan", s.handleScan)

	return mux
}

// writeJSON encodes v through a pooled buffer so repeated responses reuse
// allocations.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// writeErr maps the error taxonomy onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case worlderr.IsNotFound(err):
		status = http.StatusNotFound
	case worlderr.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case errors.Is(err, worlderr.ErrIntegrityViolation):
		s.logger.Error("integrity violation", "error", err)
	default:
		s.logger.Error("request failed", "error", err)
	}

	env := pool.GetMap()
	defer pool.PutMap(env)
	env["error"] = err.Error()
	s.writeJSON(w, status, env)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return worlderr.ErrInvalidArgument
	}
	return nil
}

// =============================================================================
// Worlds
// =============================================================================

func (s *Server) handleListWorlds(w http.ResponseWriter, r *http.Request) {
	worlds, err := s.store.ListWorlds(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if worlds == nil {
		worlds = []store.WorldSummary{}
	}
	s.writeJSON(w, http.StatusOK, worlds)
}

func (s *Server) handleCreateWorld(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	world, err := s.store.CreateWorld(r.Context(), req.Title, req.Description)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, world)
}

func (s *Server) handleGetWorld(w http.ResponseWriter, r *http.Request) {
	world, err := s.store.World(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, world)
}

func (s *Server) handleDeleteWorld(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWorld(r.Context(), r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Entities, fork, search
// =============================================================================

func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorldID     string `json:"worldId"`
		Kind        string `json:"kind"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	emb, err := s.embedder.Embed(r.Context(), req.Name+" "+req.Description)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	entity, err := s.store.CreateEntity(r.Context(), req.WorldID, store.Kind(req.Kind), req.Name, req.Description, emb)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, entity)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceWorldID string `json:"sourceWorldId"`
		// WorldID is an accepted alias for older callers.
		WorldID string `json:"worldId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	source := req.SourceWorldID
	if source == "" {
		source = req.WorldID
	}
	res, err := s.forker.Fork(r.Context(), source)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeErr(w, worlderr.ErrInvalidArgument)
			return
		}
		limit = n
	}
	results, err := s.searcher.Search(r.Context(), q.Get("worldId"), q.Get("q"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

// handleSearchPost accepts a request body carrying an optional precomputed
// query embedding, for callers that already embedded the query text.
func (s *Server) handleSearchPost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorldID        string    `json:"worldId"`
		QueryText      string    `json:"queryText"`
		QueryEmbedding []float32 `json:"queryEmbedding,omitempty"`
		Limit          int       `json:"limit,omitempty"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	results, err := s.searcher.SearchWith(r.Context(), req.WorldID, req.QueryText, req.QueryEmbedding, req.Limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	s.writeJSON(w, http.StatusOK, results)
}

// =============================================================================
// Player, inventory, map, scan
// =============================================================================

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	ps, err := s.store.EnsurePlayerState(r.Context(), r.URL.Query().Get("worldId"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorldID string `json:"worldId"`
		PlaceID string `json:"placeId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.store.MovePlayer(r.Context(), req.WorldID, req.PlaceID); err != nil {
		s.writeErr(w, err)
		return
	}
	ps, err := s.store.PlayerState(r.Context(), req.WorldID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Inventory(r.Context(), r.URL.Query().Get("worldId"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if items == nil {
		items = []*store.Entity{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func (s *Server) handlePickUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorldID  string `json:"worldId"`
		ObjectID string `json:"objectId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.store.AddToInventory(r.Context(), req.WorldID, req.ObjectID); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type mapPlace struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsCurrent bool   `json:"isCurrent"`
}

type mapConnection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type worldMap struct {
	Places      []mapPlace      `json:"places"`
	Connections []mapConnection `json:"connections"`
}

// handleMap lists a world's places with the player's position marked.
// Connections are sequential in creation order; the model stores no edges,
// so the map presents the places as a simple path.
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	worldID := r.URL.Query().Get("worldId")
	places, err := s.store.Entities(r.Context(), worldID, store.KindPlace)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	current := ""
	ps, err := s.store.PlayerState(r.Context(), worldID)
	if err == nil {
		current = ps.CurrentPlaceID
	} else if !worlderr.IsNotFound(err) {
		s.writeErr(w, err)
		return
	}

	out := worldMap{
		Places:      make([]mapPlace, 0, len(places)),
		Connections: []mapConnection{},
	}
	for i, p := range places {
		out.Places = append(out.Places, mapPlace{ID: p.ID, Name: p.Name, IsCurrent: p.ID == current})
		if i > 0 {
			out.Connections = append(out.Connections, mapConnection{
				From: places[i-1].ID,
				To:   p.ID,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorldID string `json:"worldId"`
		Text    string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	if req.WorldID == "" || req.Text == "" {
		s.writeErr(w, worlderr.ErrInvalidArgument)
		return
	}
	if _, err := s.store.World(r.Context(), req.WorldID); err != nil {
		s.writeErr(w, err)
		return
	}

	var entities []*store.Entity
	for _, kind := range store.Kinds {
		batch, err := s.store.Entities(r.Context(), req.WorldID, kind)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		entities = append(entities, batch...)
	}
	scanner, err := namescan.Compile(entities)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	mentions := scanner.Scan(req.Text)
	if mentions == nil {
		mentions = []namescan.Mention{}
	}
	s.writeJSON(w, http.StatusOK, mentions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	issues := s.store.Check(r.Context())

	env := pool.GetMap()
	defer pool.PutMap(env)
	status := http.StatusOK
	if len(issues) == 0 {
		env["status"] = "ok"
	} else {
		env["status"] = "degraded"
		env["issues"] = issues
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, env)
}
