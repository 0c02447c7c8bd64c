package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"autocal/internal/classify"
	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/fsutil"
	"autocal/internal/pipeline"
	"autocal/internal/report"
	"autocal/internal/server"
	"autocal/internal/watch"
)

// Version is stamped at build time with -ldflags "-X autocal/internal/cli.Version=...".
var Version = "dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autocal",
		Short: "autocal calibrates and pre-processes astronomical light frames",
		Long: `autocal discovers light frames, matches bias, dark and flat masters from a
calibration library and drives every frame through calibration, cosmetic
correction, debayering, background extraction, registration, normalization
and approval using external image operators.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newClassifyCmd(root))
	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newSettingsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// addRunFlags registers the flags that override configuration for a run.
func addRunFlags(cmd *cobra.Command, o *runOverrides) {
	cmd.Flags().StringVarP(&o.output, "output", "o", "", "output root for flat and per-object path modes")
	cmd.Flags().StringVar(&o.mode, "mode", "", "output layout (alongside|flat|per-object)")
	cmd.Flags().StringVar(&o.ext, "ext", "", "output extension (.fit|.fits|.xisf), keeps the input extension if empty")
	cmd.Flags().StringSliceVarP(&o.libraries, "library", "l", nil, "calibration library root (repeatable)")
	cmd.Flags().StringSliceVar(&o.stages, "stages", nil, "stages to run, e.g. calibrate,register (default from config)")
	cmd.Flags().IntVarP(&o.jobs, "jobs", "j", 0, "frames processed concurrently")
}

// applyBoolFlags copies explicitly set boolean flags onto cfg.
func applyBoolFlags(cmd *cobra.Command, cfg *config.Config) {
	if f := cmd.Flags().Lookup("skip-existing"); f != nil && f.Changed {
		cfg.Pipeline.SkipExisting, _ = cmd.Flags().GetBool("skip-existing")
	}
	if f := cmd.Flags().Lookup("second-pass"); f != nil && f.Changed {
		cfg.Pipeline.SecondPass, _ = cmd.Flags().GetBool("second-pass")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runConfig resolves the per-run configuration from flags, the config file and
// remembered settings.
func (r *Root) runConfig(cmd *cobra.Command, args []string, o runOverrides, svc *services) (pipeline.PipelineConfig, error) {
	if len(args) > 0 {
		o.input = args[0]
	}
	cfg, err := r.apply(o, settingsOf(svc.store))
	if err != nil {
		return pipeline.PipelineConfig{}, err
	}
	applyBoolFlags(cmd, cfg)
	return pipeline.NewConfig(cfg)
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		o        runOverrides
		markdown bool
	)

	cmd := &cobra.Command{
		Use:   "run [input_directory]",
		Short: "Process every frame under the input root once",
		Long: `Walk the input root, classify every frame by its folder and filename
suffix, and advance it through the remaining enabled stages. Roots omitted on
the command line and in the config file default to those of the last run.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := root.newServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			pc, err := root.runConfig(cmd, args, o, svc)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			rep, err := svc.engine.Process(ctx, pc)
			if errors.Is(err, config.ErrConfigInvalid) {
				return err
			}
			root.remember(settingsOf(svc.store), pc)

			mode := report.ASCII
			if markdown {
				mode = report.Markdown
			}
			out := cmd.OutOrStdout()
			fprintf(out, "%s\n", report.Summary(rep, mode))
			if problems := report.Problems(rep, mode); problems != "" {
				fprintf(out, "%s\n", problems)
			}
			if errors.Is(err, context.Canceled) {
				fprintf(out, "run cancelled; completed stages were kept\n")
				return nil
			}
			return err
		},
	}

	addRunFlags(cmd, &o)
	cmd.Flags().Bool("skip-existing", true, "skip stages whose output already exists")
	cmd.Flags().Bool("second-pass", true, "re-visit incomplete frames once after the first pass")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render the summary as Markdown")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		o        runOverrides
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch [input_directory]",
		Short: "Run once, then again whenever new frames or masters appear",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := root.newServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			pc, err := root.runConfig(cmd, args, o, svc)
			if err != nil {
				return err
			}
			root.remember(settingsOf(svc.store), pc)

			ctx, stop := signalContext()
			defer stop()
			return root.watch(ctx, cmd, svc, pc, debounce)
		},
	}

	addRunFlags(cmd, &o)
	cmd.Flags().Bool("skip-existing", true, "skip stages whose output already exists")
	cmd.Flags().Bool("second-pass", true, "re-visit incomplete frames once after the first pass")
	cmd.Flags().DurationVar(&debounce, "debounce", time.Duration(root.cfg.Watch.DebounceMillis)*time.Millisecond, "quiet period before a re-run")
	return cmd
}

// watch queues an initial run and re-queues one after every debounced batch of
// new frames. Stage outputs written by the runs themselves are ignored.
func (r *Root) watch(ctx context.Context, cmd *cobra.Command, svc *services, pc pipeline.PipelineConfig, debounce time.Duration) error {
	queue := pipeline.NewQueue(ctx, svc.engine, r.log, 1)
	defer queue.Stop()

	done, unsub := queue.Subscribe()
	defer unsub()
	go func() {
		for res := range done {
			fprintf(cmd.OutOrStdout(), "%s\n", report.Summary(res.Report, report.ASCII))
		}
	}()

	w, err := watch.New(debounce, r.log)
	if err != nil {
		return err
	}
	if err := w.Add(pc.InputRoot, pc.Walk); err != nil {
		w.Close()
		return err
	}
	for _, lib := range pc.LibraryRoots {
		if !fsutil.IsDir(lib) {
			r.log.Warn("library root not found, not watching", "path", lib)
			continue
		}
		if err := w.Add(lib, fsutil.WalkRules{Recursive: true}); err != nil {
			w.Close()
			return err
		}
	}
	classifier := classify.New(pc.Layout)
	w.Ignore = func(path string) bool { return classifier.Classify(path) != frame.StageOriginal }

	if _, err := queue.Submit(pipeline.Job{Reason: "watch", Config: pc}); err != nil {
		w.Close()
		return err
	}
	r.log.Info("watching for new frames", "roots", w.Roots(), "debounce", debounce.String())

	return w.Run(ctx, func(ctx context.Context, events []watch.Event) {
		if _, err := queue.Submit(pipeline.Job{Reason: "watch", Config: pc}); err != nil {
			// a queued run will see these files too
			r.log.Debug("re-run not queued", "error", err, "files", len(events))
		}
	})
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr string
		o    runOverrides
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status API",
		Long: `Start an HTTP server exposing run history and live stage results.

Endpoints:
  GET  /healthz               liveness
  GET  /status                whether a run is active
  GET  /runs                  recent runs
  GET  /runs/{id}/results     stage results of one run
  POST /runs                  queue a run ({"input_root": "..."} optional)
  GET  /ws                    websocket stream of stage results`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := root.newServices()
			if err != nil {
				return err
			}
			defer svc.Close()
			if svc.store == nil {
				return fmt.Errorf("serve needs the run database at %s", root.cfg.Paths.DatabasePath)
			}

			ctx, stop := signalContext()
			defer stop()

			queue := pipeline.NewQueue(ctx, svc.engine, root.log, 4)
			defer queue.Stop()

			runConfig := func(inputRoot string) (pipeline.PipelineConfig, error) {
				ro := o
				if inputRoot != "" {
					ro.input = config.ExpandUser(inputRoot)
				}
				return root.runConfig(cmd, nil, ro, svc)
			}
			srv := server.New(addr, svc.store, queue, svc.engine, runConfig, root.log)
			root.log.Info("server ready", "addr", addr)
			return root.serveFn(ctx, srv)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Listen, "server address (host:port)")
	addRunFlags(cmd, &o)
	cmd.Flags().StringVar(&o.input, "input", "", "input root for API-started runs")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("autocal %s (%s)\n", Version, runtime.Version())
		},
	}
}
