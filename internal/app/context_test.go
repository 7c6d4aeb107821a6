package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zhubonan/phonoflow/internal/app"
	"github.com/zhubonan/phonoflow/internal/config"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "phonoflow.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return ws
}

func TestOpenWorkspace(t *testing.T) {
	ws := newWorkspace(t)
	a, err := app.Open(ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if a.Config.Run.Mode != config.ModeIterative {
		t.Fatalf("mode: %s", a.Config.Run.Mode)
	}
	ctrl, err := a.Controller()
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	samples, err := ctrl.DryRun()
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(samples) != a.Config.Run.SamplesPerIteration {
		t.Fatalf("samples: %d", len(samples))
	}
}

func TestOpenWithoutConfig(t *testing.T) {
	if _, err := app.Open(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestResolveRun(t *testing.T) {
	ws := newWorkspace(t)
	a, err := app.Open(ws)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	if _, err := a.ResolveRun(ctx, ""); err == nil {
		t.Fatalf("expected error with no runs")
	}
	if id, err := a.ResolveRun(ctx, "explicit"); err != nil || id != "explicit" {
		t.Fatalf("override: %s, %v", id, err)
	}

	ctrl, err := a.Controller()
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if _, err := ctrl.NewRun(ctx, "run-1"); err != nil {
		t.Fatalf("new run: %v", err)
	}
	if id, err := a.ResolveRun(ctx, ""); err != nil || id != "run-1" {
		t.Fatalf("sole run: %s, %v", id, err)
	}
}
