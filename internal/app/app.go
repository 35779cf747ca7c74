// Package app wires the server components together and owns their
// lifecycle: config validation, store open, registry warm-up, websocket
// and HTTP startup, retention scheduling and graceful shutdown.
package app

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"parleydb/pkg/config"
	"parleydb/pkg/registry"
	"parleydb/pkg/store"
	"parleydb/pkg/syncer"
	"parleydb/pkg/template"
	"parleydb/pkg/transport/ws"
)

// App encapsulates the server components and lifecycle.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	store     *store.Store
	reg       *registry.Registry
	resolvers *template.Registry
	evaluator *template.Evaluator
	coord     *syncer.Coordinator
	wsServer  *ws.Server
}

// New initializes everything that does not require a running context: the
// store, the registry warm-up and the coordinator. Call Run to start the
// HTTP server and retention scheduler and block until shutdown.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(eff); err != nil {
		return nil, err
	}

	st, err := store.OpenSized(eff.DBPath, eff.Config.Server.CacheSize.Int64())
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", eff.DBPath, err)
	}

	reg, err := registry.New(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("registry warm-up: %w", err)
	}

	resolvers := template.NewRegistry()
	registerBuiltinResolvers(resolvers)
	evaluator := template.NewEvaluator()

	coord := syncer.New(reg, st, resolvers, evaluator, syncer.Config{
		InitialWindow: eff.Config.Sync.InitialWindow,
		MaxPageSize:   eff.Config.Sync.MaxPageSize,
		SessionBuffer: eff.Config.Sync.SessionBuffer,
		RequestRPS:    eff.Config.Sync.RequestRPS,
		RequestBurst:  eff.Config.Sync.RequestBurst,
	})

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		store:     st,
		reg:       reg,
		resolvers: resolvers,
		evaluator: evaluator,
		coord:     coord,
	}
	a.wsServer = ws.NewServer(coord, ws.Options{CheckToken: a.checkClientToken})
	return a, nil
}

// Resolvers exposes the server-side template registry so embedding hosts
// can register game-specific prefixes before Run.
func (a *App) Resolvers() *template.Registry { return a.resolvers }

// Evaluator exposes the condition evaluator so embedding hosts can
// register script callbacks gating conditional actions.
func (a *App) Evaluator() *template.Evaluator { return a.evaluator }

// Run starts the HTTP server and retention scheduler, and blocks until ctx
// is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	retCancel, err := a.startRetention(ctx)
	if err != nil {
		return err
	}
	defer retCancel()

	g, gctx := errgroup.WithContext(ctx)
	srv, errCh := a.startHTTP()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			_ = srv.Shutdown(context.Background())
			return nil
		case err := <-errCh:
			return err
		}
	})
	defer a.store.Close()
	return g.Wait()
}

// checkClientToken validates the websocket HELLO token against the backend
// key set. An empty configured set accepts every client.
func (a *App) checkClientToken(token string) bool {
	keys := a.eff.Config.Security.APIKeys.Backend
	if len(keys) == 0 || a.eff.Config.Security.APIKeys.AllowUnauth {
		return true
	}
	for _, k := range keys {
		if token == k {
			return true
		}
	}
	return false
}

// registerBuiltinResolvers installs the prefixes the server can always
// answer from the resolution context. Game hosts add their own on top.
func registerBuiltinResolvers(r *template.Registry) {
	r.Register("team", func(name string, ctx template.Context) (string, bool) {
		switch name {
		case "id":
			if v, ok := ctx["team_id"].(string); ok {
				return v, true
			}
		case "title":
			if v, ok := ctx["team_title"].(string); ok {
				return v, true
			}
		default:
			if data, ok := ctx["team_data"].(map[string]any); ok {
				if v, ok := data[name]; ok {
					return fmt.Sprint(v), true
				}
			}
		}
		return "", false
	})
	r.Register("player", func(name string, ctx template.Context) (string, bool) {
		if name == "id" {
			if v, ok := ctx["player_id"].(string); ok {
				return v, true
			}
		}
		return "", false
	})
}
