package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"autocal/internal/classify"
	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/header"
	"autocal/internal/library"
	"autocal/internal/logging"
	"autocal/internal/pipeline"
	"autocal/internal/report"
	"autocal/internal/storage"
	"autocal/internal/tasks"
)

func newClassifyCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <file>...",
		Short: "Show each file's stage and the output its next stage would write",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := root.layout()
			if err != nil {
				return err
			}
			plan, err := root.cfg.EnabledStages()
			if err != nil {
				return err
			}
			norm, err := root.normalizer()
			if err != nil {
				return err
			}
			c := classify.New(layout)
			ex := header.NewExtractor(root.newReader(), norm)

			out := cmd.OutOrStdout()
			for _, path := range args {
				stage := c.Classify(path)
				d, derr := describe(ex, path)
				if derr != nil {
					root.log.Debug("header unreadable, using path only", "path", path, "error", derr)
				}
				d.Stage = stage
				p := plan
				if d.Mono != nil && *d.Mono {
					p = plan.Without(frame.StageDebayered)
				}
				next := p.After(stage)
				if len(next) == 0 {
					fprintf(out, "%s\t%s\t(complete)\n", path, stage)
					continue
				}
				fprintf(out, "%s\t%s\t%s -> %s\n", path, stage, next[0], c.ExpectedOutputPath(d, next[0]))
			}
			return nil
		},
	}
}

func newMatchCmd(root *Root) *cobra.Command {
	var (
		libraries  []string
		candidates bool
	)

	cmd := &cobra.Command{
		Use:   "match <frame>",
		Short: "Show the bias, dark and flat masters chosen for a frame",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			given := libraries
			if len(given) == 0 {
				given = root.cfg.Library.Roots
			}
			if len(given) == 0 {
				return fmt.Errorf("%w: no library root given", config.ErrConfigInvalid)
			}
			roots := make([]string, 0, len(given))
			for _, r := range given {
				roots = append(roots, config.ExpandUser(r))
			}

			norm, err := root.normalizer()
			if err != nil {
				return err
			}
			reader := root.newReader()
			d, err := header.NewExtractor(reader, norm).Describe(args[0])
			if err != nil {
				return err
			}

			m := library.NewMatcher(pipeline.MatchOptions(root.cfg), norm, reader, root.log)

			out := cmd.OutOrStdout()
			fprintf(out, "frame: %s\n", args[0])
			fprintf(out, "  camera=%s filter=%s binning=%d exposure=%gs temperature=%s date=%s\n",
				d.Camera, d.Filter, d.Binning, d.ExposureSeconds, formatTemp(d.Temperature), d.DateObs.Format("2006-01-02"))
			for _, kind := range frame.MasterKinds {
				c, ok := m.FindInRoots(kind, roots, d)
				if !ok {
					fprintf(out, "%-5s %v\n", kind, library.ErrNoMasterFound)
				} else {
					fprintf(out, "%-5s %s\n", kind, c.Path)
				}
				if candidates {
					for _, r := range roots {
						for _, cand := range m.Candidates(kind, r, d) {
							fprintf(out, "        candidate %s\n", cand.Path)
						}
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&libraries, "library", "l", nil, "calibration library root (repeatable)")
	cmd.Flags().BoolVar(&candidates, "candidates", false, "also list every candidate considered")
	return cmd
}

func formatTemp(t *float64) string {
	if t == nil {
		return "unknown"
	}
	return fmt.Sprintf("%gC", *t)
}

func newToolsCmd(root *Root) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Check that the configured stage operators can run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := root.newOperators(root.cfg.Operators)
			if err != nil {
				return fmt.Errorf("%w: %v", config.ErrConfigInvalid, err)
			}
			defer ops.Close()

			tm := tasks.NewToolManager(ops)
			statuses := tm.Status()
			for _, st := range statuses {
				logging.LogToolStatus(root.log, st.Operator, st.Available, st.Version, st.Path, st.Error)
			}
			fprintf(cmd.OutOrStdout(), "%s\n", report.Tools(statuses, report.ASCII))
			if strict {
				return tm.Missing()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail when any operator is unavailable")
	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit    int
		markdown bool
	)

	cmd := &cobra.Command{
		Use:   "history [run_id]",
		Short: "List recent runs, or the stage results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := root.store()
			if err != nil {
				return err
			}
			defer st.Close()

			mode := report.ASCII
			if markdown {
				mode = report.Markdown
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				runs, err := st.RecentRuns(limit)
				if err != nil {
					return err
				}
				fprintf(out, "%s\n", report.History(runs, mode))
				return nil
			}

			if _, err := st.Run(args[0]); errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("run %s: %w", args[0], err)
			} else if err != nil {
				return err
			}
			results, err := st.Results(args[0])
			if err != nil {
				return err
			}
			fprintf(out, "%s\n", report.Results(results, mode))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render as Markdown")
	return cmd
}
