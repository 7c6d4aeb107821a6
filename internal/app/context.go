package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/zhubonan/phonoflow/internal/aggregate"
	"github.com/zhubonan/phonoflow/internal/checkpoint"
	"github.com/zhubonan/phonoflow/internal/compute"
	"github.com/zhubonan/phonoflow/internal/config"
	"github.com/zhubonan/phonoflow/internal/controller"
	"github.com/zhubonan/phonoflow/internal/db"
	"github.com/zhubonan/phonoflow/internal/dispatch"
	"github.com/zhubonan/phonoflow/internal/events"
	"github.com/zhubonan/phonoflow/internal/generator"
	"github.com/zhubonan/phonoflow/internal/migrate"
	"github.com/zhubonan/phonoflow/internal/physics"
	"github.com/zhubonan/phonoflow/internal/repo"
)

// App bundles the open workspace: database, repositories, loaded config.
type App struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workspace string
	ActorID   string
	Log       *slog.Logger
}

// Open opens the workspace database, applies pending migrations and loads
// phonoflow.yml. The workspace directory is created if missing.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &App{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn},
		Config:    cfg,
		Workspace: workspace,
		ActorID:   "local",
		Log:       slog.Default(),
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Engine builds the compute engine selected by the config.
func (a *App) Engine() (compute.Engine, error) {
	switch a.Config.Engine.Kind {
	case "", config.EngineLocal:
		eng := compute.NewLocal(referenceConstants(a.Config), a.Config.Engine.Workers)
		eng.ForceNoise = a.Config.Engine.ForceNoise
		eng.Log = a.Log
		return eng, nil
	case config.EngineImported:
		if a.Config.Engine.ImportDir == "" {
			return nil, fmt.Errorf("engine.import_dir is required for the imported engine")
		}
		return &compute.Imported{Dir: a.Config.Engine.ImportDir}, nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", a.Config.Engine.Kind)
	}
}

// Controller wires the workflow controller over the open workspace.
func (a *App) Controller() (controller.Controller, error) {
	eng, err := a.Engine()
	if err != nil {
		return controller.Controller{}, err
	}
	harmonic := physics.Harmonic{}
	return controller.Controller{
		Store: checkpoint.Store{
			Repo:    a.Repo,
			Events:  a.Events,
			ActorID: a.ActorID,
		},
		Dispatcher: dispatch.Dispatcher{
			Repo:         a.Repo,
			Events:       a.Events,
			Engine:       eng,
			Parser:       harmonic,
			ActorID:      a.ActorID,
			PollInterval: a.Config.Engine.PollDuration(),
			Log:          a.Log,
		},
		Generator: generator.Generator{Physics: harmonic},
		Aggregator: aggregate.Aggregator{
			Fitter:             harmonic,
			MinSuccessFraction: a.Config.Run.MinSuccessFraction,
		},
		Config:  a.Config,
		ActorID: a.ActorID,
		Log:     a.Log,
	}, nil
}

// ResolveRun returns the run to operate on: the override when given, else
// the only run in the workspace.
func (a *App) ResolveRun(ctx context.Context, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	runs, err := a.Repo.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	switch len(runs) {
	case 0:
		return "", fmt.Errorf("no runs in workspace; create one first")
	case 1:
		return runs[0].ID, nil
	default:
		return "", fmt.Errorf("run not specified; use --run")
	}
}

// referenceConstants derives the ground-truth force constants the local
// engine measures against, deterministic per workspace seed.
func referenceConstants(cfg *config.Config) []float64 {
	n := 3 * cfg.Run.NumAtoms
	rng := rand.New(rand.NewSource(cfg.Run.Seed ^ 0x5f3759df))
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 + 1.5*rng.Float64()
	}
	return out
}
