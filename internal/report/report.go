// Package report renders run outcomes as terminal or Markdown tables.
package report

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"autocal/internal/frame"
	"autocal/internal/pipeline"
	"autocal/internal/storage"
	"autocal/internal/tasks"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // fixed-width terminal tables
	Markdown             // GitHub-flavoured Markdown tables
)

func newWriter() table.Writer {
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	return w
}

func render(w table.Writer, m Mode) string {
	if m == Markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

func outcomeHeader() table.Row {
	row := table.Row{"Stage"}
	for _, o := range frame.Outcomes {
		row = append(row, string(o))
	}
	return row
}

func rightAligned(from, to int) []table.ColumnConfig {
	var cfgs []table.ColumnConfig
	for n := from; n <= to; n++ {
		cfgs = append(cfgs, table.ColumnConfig{Number: n, Align: text.AlignRight})
	}
	return cfgs
}

// Summary renders per-stage outcome counts with a totals footer.
func Summary(rep pipeline.Report, m Mode) string {
	w := newWriter()
	w.SetTitle(fmt.Sprintf("run %s: %d frames, %d passes", rep.RunID, rep.Frames, rep.Passes))
	w.AppendHeader(outcomeHeader())

	counts := rep.StageCounts()
	totals := make(map[frame.Outcome]int)
	for _, s := range frame.AllStages {
		c, ok := counts[s]
		if !ok {
			continue
		}
		row := table.Row{s.String()}
		for _, o := range frame.Outcomes {
			row = append(row, c[o])
			totals[o] += c[o]
		}
		w.AppendRow(row)
	}

	footer := table.Row{"total"}
	for _, o := range frame.Outcomes {
		footer = append(footer, totals[o])
	}
	w.AppendFooter(footer)
	w.SetColumnConfigs(rightAligned(2, len(frame.Outcomes)+1))
	return render(w, m)
}

// Problems lists every result that stopped a frame, or "" when there are none.
func Problems(rep pipeline.Report, m Mode) string {
	w := newWriter()
	w.AppendHeader(table.Row{"Frame", "Stage", "Outcome", "Reason"})
	n := 0
	for _, res := range rep.Results {
		if res.Outcome != frame.OutcomeFailed && res.Outcome != frame.OutcomeSkippedNoMaster {
			continue
		}
		w.AppendRow(table.Row{filepath.Base(res.Frame), res.Stage.String(), string(res.Outcome), res.Reason})
		n++
	}
	for _, path := range rep.Unreadable {
		w.AppendRow(table.Row{filepath.Base(path), frame.StageOriginal.String(), "unreadable", "header could not be read"})
		n++
	}
	if n == 0 {
		return ""
	}
	w.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 80}})
	return render(w, m)
}

// Results renders one row per stage result, e.g. for a stored run.
func Results(results []frame.StageResult, m Mode) string {
	w := newWriter()
	w.AppendHeader(table.Row{"Pass", "Frame", "Stage", "Outcome", "Output", "Duration"})
	for _, res := range results {
		out := res.Output
		if out == "" {
			out = res.Reason
		}
		w.AppendRow(table.Row{res.Pass, filepath.Base(res.Frame), res.Stage.String(), string(res.Outcome), out, res.Duration.Round(time.Millisecond)})
	}
	w.SetColumnConfigs([]table.ColumnConfig{{Number: 5, WidthMax: 80}})
	return render(w, m)
}

// History renders recent runs, newest first.
func History(runs []storage.RunRecord, m Mode) string {
	w := newWriter()
	row := table.Row{"Run", "Status", "Started", "Input"}
	for _, o := range frame.Outcomes {
		row = append(row, string(o))
	}
	w.AppendHeader(row)
	for _, r := range runs {
		row := table.Row{r.ID, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.InputRoot}
		for _, o := range frame.Outcomes {
			row = append(row, r.Counts[string(o)])
		}
		w.AppendRow(row)
	}
	return render(w, m)
}

// Tools renders operator availability per stage.
func Tools(statuses []tasks.ToolStatus, m Mode) string {
	w := newWriter()
	w.AppendHeader(table.Row{"Stage", "Operator", "Available", "Version", "Path"})
	for _, st := range statuses {
		avail := "yes"
		if !st.Available {
			avail = "no"
		}
		version := st.Version
		if st.Error != nil {
			version = st.Error.Error()
		}
		w.AppendRow(table.Row{st.Stage.String(), st.Operator, avail, version, st.Path})
	}
	w.SetColumnConfigs([]table.ColumnConfig{{Number: 4, WidthMax: 60}})
	return render(w, m)
}
