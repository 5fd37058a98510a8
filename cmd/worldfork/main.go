// Command worldfork runs the world service: an HTTP API over forkable game
// worlds with hybrid (lexical + vector) search.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kittclouds/worldfork/internal/config"
	"github.com/kittclouds/worldfork/internal/store"
	"github.com/kittclouds/worldfork/pkg/embed"
	"github.com/kittclouds/worldfork/pkg/fork"
	"github.com/kittclouds/worldfork/pkg/search"
	"github.com/kittclouds/worldfork/pkg/server"
)

func main() {
	app := &cli.App{
		Name:  "worldfork",
		Usage: "forkable game worlds with hybrid search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "db",
				Usage: "path to the SQLite database (overrides WORLDFORK_DB)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address (overrides WORLDFORK_ADDR)",
					},
				},
				Action: runServe,
			},
			{
				Name:   "seed",
				Usage:  "create a small demo world",
				Action: runSeed,
			},
			{
				Name:   "doctor",
				Usage:  "verify the database layout",
				Action: runDoctor,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(c *cli.Context) (*config.Config, *store.Store, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	if db := c.String("db"); db != "" {
		cfg.DBPath = db
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, logger, nil
}

func runServe(c *cli.Context) error {
	cfg, st, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}

	embedder := embed.NewCached(embed.NewLocal())
	srv := server.New(
		st,
		fork.NewEngine(st, fork.WithLogger(logger)),
		search.NewEngine(st, embedder,
			search.WithLogger(logger),
			search.WithDefaultLimit(cfg.SearchLimit)),
		embedder,
		server.WithLogger(logger),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "db", cfg.DBPath)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("shut down cleanly")
	return nil
}

func runSeed(c *cli.Context) error {
	_, st, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := c.Context
	embedder := embed.NewLocal()

	world, err := st.CreateWorld(ctx, "The Hollow Vale", "a starter world for exploring forks and search")
	if err != nil {
		return err
	}

	seed := []struct {
		kind       store.Kind
		name, desc string
	}{
		{store.KindPlace, "Dark Cave", "a cave of dripping stone and deep shadow"},
		{store.KindPlace, "Sunny Meadow", "bright open grass under a warm sky"},
		{store.KindPlace, "Ruined Tower", "a crumbling spire wrapped in ivy"},
		{store.KindObject, "Glowing Orb", "a luminous artifact humming with pale light"},
		{store.KindObject, "Rusty Sword", "an old blade, pitted and dull"},
		{store.KindCharacter, "Mira", "keeper of the vale, slow to trust"},
		{store.KindCharacter, "Cave Hermit", "a recluse who maps the dark tunnels"},
	}
	for _, e := range seed {
		vec, err := embedder.Embed(ctx, e.name+" "+e.desc)
		if err != nil {
			return err
		}
		if _, err := st.CreateEntity(ctx, world.ID, e.kind, e.name, e.desc, vec); err != nil {
			return err
		}
	}
	if _, err := st.EnsurePlayerState(ctx, world.ID); err != nil {
		return err
	}

	logger.Info("seeded demo world", "worldId", world.ID, "title", world.Title)
	fmt.Println(world.ID)
	return nil
}

func runDoctor(c *cli.Context) error {
	_, st, _, err := setup(c)
	if err != nil {
		return err
	}
	defer st.Close()

	issues := st.Check(c.Context)
	if len(issues) == 0 {
		fmt.Println("ok")
		return nil
	}
	for _, issue := range issues {
		fmt.Println(issue)
	}
	return cli.Exit(fmt.Sprintf("%d issue(s) found", len(issues)), 1)
}
