package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skein-run/skein/pkg/config"
	"github.com/skein-run/skein/pkg/engine"
	"github.com/skein-run/skein/pkg/policy"
	"github.com/skein-run/skein/pkg/runners"
	"github.com/skein-run/skein/pkg/stores"
	"github.com/skein-run/skein/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		noPersist bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Compile and execute a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger, err := telemetry.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}

			source, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read plan: %w", err)
			}
			plan, err := engine.Compile(string(source))
			if err != nil {
				return err
			}
			plan.Name = args[0]

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			broker := engine.NewBroker()
			metrics := telemetry.NewMetrics(cfg.Metrics)
			broker.Subscribe(metrics.ObserveEvent)
			tracer, err := telemetry.NewTracer(cfg.Tracing, "skein", appVersion)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("tracer shutdown failed")
				}
			}()
			if verbose {
				broker.Subscribe(func(evt engine.Event) {
					logger.Debug().
						Int64("seq", evt.Seq).
						Str("type", string(evt.Type)).
						Str("node", evt.NodeName).
						Msg("event")
				})
			}
			if handler := metrics.Handler(); handler != nil {
				go func() {
					if err := http.ListenAndServe(cfg.Metrics.Listen, handler); err != nil {
						logger.Warn().Err(err).Msg("metrics listener stopped")
					}
				}()
			}

			var store *stores.SQLiteStore
			runID := uuid.NewString()
			if !noPersist {
				store, err = openStore(ctx, cfg)
				if err != nil {
					return err
				}
				defer store.Close()
				if _, err := store.SavePlan(ctx, plan); err != nil {
					return err
				}
				now := time.Now().UTC()
				if err := store.CreateRun(ctx, &stores.Run{
					ID:        runID,
					PlanID:    plan.ID,
					Status:    string(engine.PlanRunning),
					StartedAt: &now,
					CreatedAt: now,
					UpdatedAt: now,
				}); err != nil {
					return err
				}
				broker.Subscribe(func(evt engine.Event) {
					if err := store.AppendEvent(ctx, runID, evt); err != nil {
						logger.Error().Err(err).Int64("seq", evt.Seq).Msg("failed to persist event")
					}
				})
			}

			schedCfg := engine.SchedulerConfig{
				Runner:   runners.Builtin(),
				Events:   broker,
				Logger:   logger,
				Workers:  cfg.Engine.Workers,
				MaxSteps: cfg.Engine.MaxSteps,
			}
			if cfg.Engine.PolicyGate {
				schedCfg.Policy = policy.NewEngine(logger, cfg.Engine.BlockedTasks)
			}
			sched, err := engine.NewScheduler(plan, schedCfg)
			if err != nil {
				return err
			}

			runCtx, runSpan := tracer.StartRun(ctx, plan.ID)
			broker.Subscribe(tracer.ObserveEvents(runCtx, plan.Graph))

			metrics.RunStarted(plan.ID)
			started := time.Now()
			runErr := sched.Run(runCtx)
			metrics.RunFinished(string(plan.Status), time.Since(started))
			telemetry.RecordError(runSpan, runErr)
			runSpan.End()

			if store != nil {
				errMsg := ""
				if runErr != nil {
					errMsg = runErr.Error()
				}
				if err := store.FinishRun(ctx, runID, string(plan.Status), errMsg); err != nil {
					logger.Error().Err(err).Msg("failed to record run outcome")
				}
			}
			if runErr != nil {
				metrics.ErrorObserved(engine.KindOf(runErr))
				return runErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s completed (%d events)\n", runID, len(broker.History()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "skip plan, run and event persistence")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "cancel the run after this duration")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Database.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
