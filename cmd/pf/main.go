package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zhubonan/phonoflow/internal/app"
	"github.com/zhubonan/phonoflow/internal/checkpoint"
	"github.com/zhubonan/phonoflow/internal/config"
	"github.com/zhubonan/phonoflow/internal/db"
	"github.com/zhubonan/phonoflow/internal/domain"
	"github.com/zhubonan/phonoflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pf",
	Short: "Phonoflow CLI",
	Long: `Phonoflow drives self-consistent phonon workflows: displaced structure
samples go out as force sub-jobs, the results come back as an updated
force-constant model, and the loop repeats until successive models agree.

- Workspace: the directory holding phonoflow.yml and the .phonoflow database.
- Run: one workflow execution; statuses go init -> iterating -> converged,
  max_iter_reached, completed, failed or cancelled.
- Iteration: one generate -> dispatch -> await -> aggregate cycle.
- Sub-job: one force calculation per displaced sample, tracked by the
  compute engine and survivable across process restarts.
- Event log: diary of run changes, view with 'pf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHONOFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("run", "", "run id (defaults to the only run in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("run", rootCmd.PersistentFlags().Lookup("run"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(iterationCmd())
	rootCmd.AddCommand(modelCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phonoflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Manage workflow runs",
		Long:  "A run is one workflow execution. Create it, start it, resume it after an interruption, or cancel it between iterations.",
	}
	run.AddCommand(runCreateCmd())
	run.AddCommand(runStartCmd())
	run.AddCommand(runResumeCmd())
	run.AddCommand(runCancelCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runDryRunCmd())
	return run
}

func runCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a run without starting it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctrl, err := a.Controller()
				if err != nil {
					return err
				}
				if id == "" {
					id = uuid.NewString()
				}
				run, err := ctrl.NewRun(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "run id (random UUID if omitted)")
	return cmd
}

func runStartCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Create a run and drive it to a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctrl, err := a.Controller()
				if err != nil {
					return err
				}
				if id == "" {
					id = uuid.NewString()
				}
				if _, err := ctrl.NewRun(ctx, id); err != nil {
					return err
				}
				run, err := ctrl.Run(ctx, id, ownerID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "run id (random UUID if omitted)")
	return cmd
}

func runResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted run",
		Long:  "Picks up the run from its persisted state. Already-dispatched sub-jobs are polled, not re-submitted. Refused while another process holds the run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				ctrl, err := a.Controller()
				if err != nil {
					return err
				}
				run, err := ctrl.Run(ctx, runID, ownerID())
				if errors.Is(err, checkpoint.ErrLeaseHeld) {
					return fmt.Errorf("run %s is already being driven by another process", runID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a run between iterations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				ctrl, err := a.Controller()
				if err != nil {
					return err
				}
				run, err := ctrl.Cancel(ctx, runID, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "recorded stop reason")
	return cmd
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a run and its iterations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				run, err := a.Repo.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				iterations, err := a.Repo.ListIterations(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"run": run, "iterations": iterations})
				}
				fmt.Printf("Run: %s (%s)\n", run.ID, run.Status)
				if run.StopReason != nil {
					fmt.Printf("Stop reason: %s\n", *run.StopReason)
				}
				printIterationTable(iterations)
				return nil
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runs, err := a.Repo.ListRuns(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "STATUS", "ITER", "UPDATED"})
				for _, r := range runs {
					t.AppendRow(table.Row{r.ID, r.Status, r.CurrentIteration, r.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func runDryRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Generate the first iteration's samples without dispatching",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctrl, err := a.Controller()
				if err != nil {
					return err
				}
				samples, err := ctrl.DryRun()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(samples)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"IDX", "LABEL", "SEED", "MAX |U|"})
				for _, s := range samples {
					t.AppendRow(table.Row{s.Index, s.Label, s.Seed, fmt.Sprintf("%.4g", maxAbs(s.Displacements))})
				}
				t.Render()
				return nil
			})
		},
	}
	return cmd
}

func iterationCmd() *cobra.Command {
	it := &cobra.Command{Use: "iteration", Short: "Inspect iterations"}
	it.AddCommand(iterationListCmd())
	it.AddCommand(iterationShowCmd())
	return it
}

func iterationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a run's iterations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				iterations, err := a.Repo.ListIterations(ctx, runID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(iterations)
				}
				printIterationTable(iterations)
				return nil
			})
		},
	}
	return cmd
}

func iterationShowCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show one iteration with its sub-jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				it, err := a.Repo.GetIteration(ctx, runID, index)
				if err != nil {
					return err
				}
				handles, err := a.Repo.ListSubJobs(ctx, runID, index)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"iteration": it, "sub_jobs": handles})
				}
				fmt.Printf("Iteration %d (%s)", it.Index, it.Status)
				if it.Distance != nil {
					fmt.Printf(" distance=%.4g", *it.Distance)
				}
				fmt.Println()
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"SAMPLE", "ENGINE JOB", "STATUS", "REASON"})
				for _, h := range handles {
					reason := ""
					if h.FailureReason != nil {
						reason = *h.FailureReason
					}
					t.AppendRow(table.Row{h.SampleIndex, h.EngineJobID, h.Status, reason})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 1, "iteration index")
	return cmd
}

func modelCmd() *cobra.Command {
	model := &cobra.Command{Use: "model", Short: "Inspect force-constant models"}
	model.AddCommand(modelShowCmd())
	return model
}

func modelShowCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the latest model, or the model of --index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				var m domain.ForceConstantModel
				if cmd.Flags().Changed("index") {
					m, err = a.Repo.GetModel(ctx, runID, index)
				} else {
					m, err = a.Repo.LatestModel(ctx, runID)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "iteration index")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail run events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				runID, err := a.ResolveRun(ctx, viper.GetString("run"))
				if err != nil {
					return err
				}
				events, err := a.Repo.ListEvents(ctx, runID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ctrl, err := a.Controller()
				if err != nil {
					return err
				}
				authCfg := server.AuthConfig{
					JWTSecret: os.Getenv("PHONOFLOW_JWT_SECRET"),
					Disabled:  noAuth,
				}
				if !noAuth && authCfg.JWTSecret == "" {
					return fmt.Errorf("PHONOFLOW_JWT_SECRET is required unless --no-auth is set")
				}
				handler, err := server.New(server.Config{
					Repo:      a.Repo,
					Canceller: ctrl,
					BasePath:  basePath,
					Auth:      authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Phonoflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication (local use)")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func ownerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func printIterationTable(iterations []domain.IterationRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"IDX", "STATUS", "DISTANCE", "STARTED", "COMPLETED"})
	for _, it := range iterations {
		distance := "-"
		if it.Distance != nil {
			distance = fmt.Sprintf("%.4g", *it.Distance)
		}
		completed := "-"
		if it.CompletedAt != nil {
			completed = *it.CompletedAt
		}
		t.AppendRow(table.Row{it.Index, it.Status, distance, it.StartedAt, completed})
	}
	t.Render()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		if x < 0 {
			x = -x
		}
		if x > m {
			m = x
		}
	}
	return m
}
