package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"autocal/internal/classify"
	"autocal/internal/frame"
	"autocal/internal/fsutil"
	"autocal/internal/header"
	"autocal/internal/library"
	"autocal/internal/logging"
	"autocal/internal/naming"
	"autocal/internal/storage"
	"autocal/internal/tasks"
)

// ErrRunInProgress is returned when Process is called while a run is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// Describer builds a descriptor from a file's header.
type Describer interface {
	Describe(path string) (frame.Descriptor, error)
}

// OperatorSource yields the operator for a stage.
type OperatorSource interface {
	For(stage frame.Stage) (tasks.ImageOperator, bool)
}

// MasterFinder resolves calibration masters.
type MasterFinder interface {
	FindInRoots(kind frame.MasterKind, roots []string, f frame.Descriptor) (frame.MasterCandidate, bool)
	Invalidate()
}

// Recorder persists runs and their results. *storage.Store implements it.
type Recorder interface {
	RecordRunStart(rec storage.RunRecord) error
	RecordRunFinish(id, status string, counts map[string]int, errMsg string) error
	RecordResult(res frame.StageResult) error
	RecordFrame(runID string, d frame.Descriptor) error
}

// Deps are the engine's collaborators. Describer and Operators are required.
type Deps struct {
	Describer  Describer
	Operators  OperatorSource
	Recorder   Recorder
	Logger     *slog.Logger
	Normalizer *naming.Normalizer
	// Reader lets the matcher fall back to master headers.
	Reader header.MetadataReader
	// NewMatcher overrides how each run builds its matcher.
	NewMatcher func(library.Options) MasterFinder
}

// Engine drives frames through the stage chain.
type Engine struct {
	deps    Deps
	log     *slog.Logger
	running atomic.Bool

	mu        sync.Mutex
	subs      map[int]chan frame.StageResult
	nextSubID int
}

// New creates an engine.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewMatcher == nil {
		deps.NewMatcher = func(opts library.Options) MasterFinder {
			return library.NewMatcher(opts, deps.Normalizer, deps.Reader, deps.Logger)
		}
	}
	return &Engine{
		deps: deps,
		log:  deps.Logger,
		subs: make(map[int]chan frame.StageResult),
	}
}

// Running reports whether a run is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Process runs the pipeline once over cfg.InputRoot. Per-frame problems become
// StageResults; only an invalid configuration fails the call outright. When ctx
// is cancelled the results gathered so far are returned with ctx.Err().
func (e *Engine) Process(ctx context.Context, cfg PipelineConfig) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer e.running.Store(false)

	r := &run{
		engine:     e,
		cfg:        cfg,
		id:         uuid.NewString(),
		classifier: classify.New(cfg.Layout),
		matcher:    e.deps.NewMatcher(cfg.Matching),
		log:        e.log,
	}
	r.report.RunID = r.id
	r.report.Started = time.Now()

	if rec := e.deps.Recorder; rec != nil {
		cfgJSON, _ := json.Marshal(cfg)
		if err := rec.RecordRunStart(storage.RunRecord{ID: r.id, InputRoot: cfg.InputRoot, ConfigJSON: string(cfgJSON), StartedAt: r.report.Started}); err != nil {
			e.log.Warn("failed to record run start", "run", r.id, "error", err)
		}
	}
	e.log.Info("run started", "run", r.id, "input", cfg.InputRoot, "stages", fmt.Sprint(cfg.Plan.Stages()))

	r.pass(ctx, 1, cfg.SkipExisting)
	if ctx.Err() == nil && cfg.SecondPass && r.report.incomplete(1) {
		r.matcher.Invalidate()
		r.pass(ctx, 2, true)
	}

	r.report.Finished = time.Now()
	status, errMsg := storage.RunCompleted, ""
	if err := ctx.Err(); err != nil {
		status, errMsg = storage.RunCancelled, err.Error()
	}
	if rec := e.deps.Recorder; rec != nil {
		if err := rec.RecordRunFinish(r.id, status, r.report.OutcomeCounts(), errMsg); err != nil {
			e.log.Warn("failed to record run finish", "run", r.id, "error", err)
		}
	}
	e.log.Info("run finished", "run", r.id, "status", status, "duration", r.report.Finished.Sub(r.report.Started).Round(time.Millisecond).String())

	return r.report, ctx.Err()
}

// run is the state of one Process call.
type run struct {
	engine     *Engine
	cfg        PipelineConfig
	id         string
	classifier *classify.Classifier
	matcher    MasterFinder
	log        *slog.Logger

	mu      sync.Mutex
	report  Report
	claimed map[string]string // output path -> claiming input, per pass
}

func (r *run) pass(ctx context.Context, pass int, skipExisting bool) {
	r.mu.Lock()
	r.claimed = make(map[string]string)
	r.mu.Unlock()

	frames := r.discover(ctx, pass)
	r.mu.Lock()
	r.report.Passes = pass
	if pass == 1 {
		r.report.Frames = len(frames)
	}
	r.mu.Unlock()

	if r.cfg.Workers <= 1 {
		for _, f := range frames {
			if ctx.Err() != nil {
				break
			}
			r.advance(ctx, pass, f, skipExisting)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(r.cfg.Workers)
		for _, f := range frames {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				r.advance(ctx, pass, f, skipExisting)
				return nil
			})
		}
		_ = g.Wait()
	}

	r.mu.Lock()
	counts := r.report.passCounts(pass)
	r.mu.Unlock()
	logging.LogPassSummary(r.log, r.id, pass, len(frames), counts)
}

// discover walks the input root and returns the frames to advance, earliest
// stage first. A file that is already the expected output of another
// discovered frame's chain is left to that frame. In pass 2 frames whose
// whole chain already exists on disk are dropped.
func (r *run) discover(ctx context.Context, pass int) []frame.Descriptor {
	var found []frame.Descriptor
	for path, err := range fsutil.Walk(r.cfg.InputRoot, r.cfg.Walk) {
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.log.Warn("walk error", "root", r.cfg.InputRoot, "error", err)
			continue
		}
		d, err := r.engine.deps.Describer.Describe(path)
		if err != nil {
			r.log.Warn("skipping unreadable frame", "path", path, "error", err)
			if pass == 1 {
				r.mu.Lock()
				r.report.Unreadable = append(r.report.Unreadable, path)
				r.mu.Unlock()
			}
			continue
		}
		d.Path = path
		d.Stage = r.classifier.Classify(path)
		found = append(found, d)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Stage != found[j].Stage {
			return found[i].Stage < found[j].Stage
		}
		return found[i].Path < found[j].Path
	})

	produced := make(map[string]bool)
	frames := make([]frame.Descriptor, 0, len(found))
	for _, d := range found {
		if produced[d.Path] {
			continue
		}
		chain := r.chain(d)
		for _, out := range chain {
			produced[out] = true
		}
		if pass > 1 && len(chain) > 0 && fsutil.Exists(chain[len(chain)-1]) {
			continue
		}
		frames = append(frames, d)
		if rec := r.engine.deps.Recorder; rec != nil {
			if err := rec.RecordFrame(r.id, d); err != nil {
				r.log.Debug("failed to catalog frame", "path", d.Path, "error", err)
			}
		}
	}
	return frames
}

// planFor drops the debayer stage for monochrome cameras.
func (r *run) planFor(d frame.Descriptor) frame.Plan {
	if d.Mono != nil && *d.Mono {
		return r.cfg.Plan.Without(frame.StageDebayered)
	}
	return r.cfg.Plan
}

// chain lists the expected outputs of every stage still ahead of d.
func (r *run) chain(d frame.Descriptor) []string {
	var out []string
	cur := d
	for _, s := range r.planFor(d).After(d.Stage) {
		p := r.classifier.ExpectedOutputPath(cur, s)
		out = append(out, p)
		cur = cur.WithPath(p, s)
	}
	return out
}

// advance moves one frame through its remaining stages, strictly in order.
// It stops at the first stage that cannot complete.
func (r *run) advance(ctx context.Context, pass int, f frame.Descriptor, skipExisting bool) {
	cur := f
	for _, stage := range r.planFor(f).After(f.Stage) {
		if ctx.Err() != nil {
			return
		}
		res, next, ok := r.runStage(ctx, pass, cur, stage, skipExisting)
		res.Frame = f.Path
		r.emit(res)
		if !ok {
			return
		}
		cur = next
	}
}

func (r *run) runStage(ctx context.Context, pass int, cur frame.Descriptor, stage frame.Stage, skipExisting bool) (frame.StageResult, frame.Descriptor, bool) {
	start := time.Now()
	out := r.classifier.ExpectedOutputPath(cur, stage)
	res := frame.StageResult{RunID: r.id, Pass: pass, Input: cur.Path, Stage: stage, Output: out}
	fail := func(format string, args ...any) (frame.StageResult, frame.Descriptor, bool) {
		res.Outcome = frame.OutcomeFailed
		res.Reason = fmt.Sprintf(format, args...)
		res.Duration = time.Since(start)
		return res, cur, false
	}

	if owner, ok := r.claim(out, cur.Path); !ok {
		return fail("output %s is also produced from %s", out, owner)
	}

	if skipExisting && fsutil.Exists(out) {
		res.Outcome = frame.OutcomeSkippedExists
		return res, cur.WithPath(out, stage), true
	}

	var masters map[frame.MasterKind]string
	if stage == frame.StageCalibrated {
		var missing []frame.MasterKind
		masters, missing = r.resolveMasters(cur)
		res.Masters = masters
		if len(missing) > 0 {
			res.Outcome = frame.OutcomeSkippedNoMaster
			res.Output = ""
			res.Reason = fmt.Sprintf("%v: %v", library.ErrNoMasterFound, missing)
			return res, cur, false
		}
	}

	op, ok := r.engine.deps.Operators.For(stage)
	if !ok {
		return fail("no operator configured for stage %s", stage)
	}

	logging.LogStageStart(r.log, r.id, stage.String(), cur.Path, out)
	// operators run to completion; cancellation is observed between stages
	written, err := op.Execute(context.WithoutCancel(ctx), tasks.Request{
		Stage:   stage,
		Input:   cur.Path,
		Output:  out,
		Masters: masters,
	})
	if err != nil {
		return fail("%v", err)
	}
	if written == "" {
		written = out
	}
	res.Output = written
	if got := r.classifier.Classify(written); got != stage {
		return fail("operator output %s classifies as %s, want %s", written, got, stage)
	}

	res.Outcome = frame.OutcomeSuccess
	res.Duration = time.Since(start)
	return res, cur.WithPath(written, stage), true
}

func (r *run) resolveMasters(f frame.Descriptor) (map[frame.MasterKind]string, []frame.MasterKind) {
	found := make(map[frame.MasterKind]string, len(r.cfg.Masters))
	var missing []frame.MasterKind
	for _, kind := range r.cfg.Masters {
		c, ok := r.matcher.FindInRoots(kind, r.cfg.LibraryRoots, f)
		if !ok {
			missing = append(missing, kind)
			continue
		}
		found[kind] = c.Path
	}
	return found, missing
}

// claim reserves an output path for one input within the current pass.
func (r *run) claim(out, input string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.claimed[out]; ok && owner != input {
		return owner, false
	}
	r.claimed[out] = input
	return "", true
}

func (r *run) emit(res frame.StageResult) {
	res.Time = time.Now()

	r.mu.Lock()
	r.report.Results = append(r.report.Results, res)
	r.mu.Unlock()

	switch res.Outcome {
	case frame.OutcomeSuccess:
		logging.LogStageComplete(r.log, r.id, res.Stage.String(), res.Output, res.Duration)
	case frame.OutcomeFailed:
		logging.LogStageError(r.log, r.id, res.Stage.String(), res.Input, res.Duration, errors.New(res.Reason))
	default:
		logging.LogStageSkipped(r.log, r.id, res.Stage.String(), res.Input, string(res.Outcome), res.Reason)
	}

	if rec := r.engine.deps.Recorder; rec != nil {
		if err := rec.RecordResult(res); err != nil {
			r.log.Warn("failed to record result", "run", r.id, "error", err)
		}
	}
	r.engine.broadcast(res)
}

// Subscribe returns a channel for receiving stage results and an unsubscribe function.
func (e *Engine) Subscribe() (<-chan frame.StageResult, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan frame.StageResult, 64)
	e.subs[id] = ch
	unsub := func() {
		e.mu.Lock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
		e.mu.Unlock()
	}
	return ch, unsub
}

func (e *Engine) broadcast(res frame.StageResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- res:
		default:
			e.log.Warn("result channel full", "subscriber", id, "input", res.Input)
		}
	}
}
