// Package search answers "find things like this in my world" with two
// stages: lexical full-text match first, vector similarity only when the
// lexical stage comes up completely empty. Results always say which stage
// produced them.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/kittclouds/worldfork/internal/store"
	"github.com/kittclouds/worldfork/internal/worlderr"
	"github.com/kittclouds/worldfork/pkg/embed"
)

// DefaultLimit caps results when the caller passes no limit.
const DefaultLimit = 5

// Source identifies which stage produced a result.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
)

// Result is one ranked search hit. Kind marshals as "type" on the wire.
type Result struct {
	ID     string     `json:"id"`
	Kind   store.Kind `json:"type"`
	Name   string     `json:"name"`
	Source Source     `json:"source"`
	// Score is the bm25 rank for lexical hits (lower is better) or the
	// vector distance for fallback hits (lower is closer). Scores from the
	// two stages are not comparable with each other.
	Score float64 `json:"score"`

	createdAt int64
	rowid     int64
}

// Engine runs hybrid searches against an injected store handle.
type Engine struct {
	store        *store.Store
	embedder     embed.Embedder
	logger       *slog.Logger
	defaultLimit int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDefaultLimit sets the result cap used when callers pass no limit.
func WithDefaultLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultLimit = n
		}
	}
}

// NewEngine creates a search engine backed by s, using embedder only for the
// vector fallback stage.
func NewEngine(s *store.Store, embedder embed.Embedder, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		embedder:     embedder,
		logger:       slog.Default(),
		defaultLimit: DefaultLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// kindPriority orders equal-scored hits: places, then objects, then
// characters.
func kindPriority(k store.Kind) int {
	for i, kk := range store.Kinds {
		if kk == k {
			return i
		}
	}
	return len(store.Kinds)
}

// Search runs the hybrid query over every entity kind in worldID. The
// lexical stage short-circuits: any lexical hit at all suppresses the vector
// stage entirely. Results are capped at limit (the engine default when <= 0).
func (e *Engine) Search(ctx context.Context, worldID, query string, limit int) ([]Result, error) {
	return e.SearchWith(ctx, worldID, query, nil, limit)
}

// SearchWith is Search with a caller-supplied query embedding. When
// queryEmbedding is non-nil it is used for the vector stage instead of
// embedding the query text; callers that already hold a vector for the query
// (the UI does) skip the embedder that way.
func (e *Engine) SearchWith(ctx context.Context, worldID, query string, queryEmbedding []float32, limit int) ([]Result, error) {
	if worldID == "" {
		return nil, fmt.Errorf("%w: world id required", worlderr.ErrInvalidArgument)
	}
	match := buildMatch(query)
	if match == "" {
		return nil, fmt.Errorf("%w: query has no searchable tokens", worlderr.ErrInvalidArgument)
	}
	if queryEmbedding != nil && len(queryEmbedding) != store.Dims {
		return nil, fmt.Errorf("%w: query embedding must have %d dimensions, got %d",
			worlderr.ErrInvalidArgument, store.Dims, len(queryEmbedding))
	}
	if limit <= 0 {
		limit = e.defaultLimit
	}

	if _, err := e.store.World(ctx, worldID); err != nil {
		return nil, err
	}

	results, err := e.lexical(ctx, worldID, match, limit)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		e.logger.Debug("search served lexically",
			"worldId", worldID, "query", query, "hits", len(results))
		return results, nil
	}

	results, err = e.vector(ctx, worldID, query, queryEmbedding, limit)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("search fell back to vectors",
		"worldId", worldID, "query", query, "hits", len(results))
	return results, nil
}

// lexical fans the FTS query out per kind and merges by bm25 rank.
func (e *Engine) lexical(ctx context.Context, worldID, match string, limit int) ([]Result, error) {
	hits, err := e.fanOut(ctx, func(ctx context.Context, kind store.Kind) ([]store.Hit, error) {
		return e.store.LexicalSearch(ctx, worldID, kind, match, limit)
	})
	if err != nil {
		return nil, err
	}
	return merge(hits, SourceLexical, limit), nil
}

// vector embeds the query (unless the caller already did) and fans the KNN
// out per kind, merging by ascending distance.
func (e *Engine) vector(ctx context.Context, worldID, query string, emb []float32, limit int) ([]Result, error) {
	if emb == nil {
		var err error
		emb, err = e.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
	}
	if err := store.ValidateEmbedding(emb); err != nil {
		return nil, err
	}

	hits, err := e.fanOut(ctx, func(ctx context.Context, kind store.Kind) ([]store.Hit, error) {
		return e.store.VectorSearch(ctx, worldID, kind, emb, limit)
	})
	if err != nil {
		return nil, err
	}
	return merge(hits, SourceVector, limit), nil
}

func (e *Engine) fanOut(ctx context.Context, query func(ctx context.Context, kind store.Kind) ([]store.Hit, error)) ([][]store.Hit, error) {
	perKind := make([][]store.Hit, len(store.Kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range store.Kinds {
		g.Go(func() error {
			hits, err := query(gctx, kind)
			if err != nil {
				return err
			}
			perKind[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return perKind, nil
}

// merge flattens per-kind hits into one deterministic ranking: score
// ascending, then created_at, then rowid, then kind priority.
func merge(perKind [][]store.Hit, source Source, limit int) []Result {
	var out []Result
	for _, hits := range perKind {
		for _, h := range hits {
			out = append(out, Result{
				ID:        h.ID,
				Kind:      h.Kind,
				Name:      h.Name,
				Source:    source,
				Score:     h.Rank,
				createdAt: h.CreatedAt,
				rowid:     h.Rowid,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.createdAt != b.createdAt {
			return a.createdAt < b.createdAt
		}
		if a.rowid != b.rowid {
			return a.rowid < b.rowid
		}
		return kindPriority(a.Kind) < kindPriority(b.Kind)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
