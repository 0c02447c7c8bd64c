package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"autocal/internal/config"
	"autocal/internal/frame"
	"autocal/internal/fsutil"
)

// ErrOperatorFailure wraps every error an operator returns.
var ErrOperatorFailure = errors.New("operator failure")

// ImageOperator performs one stage's pixel work. It writes a new file and never
// touches its input.
type ImageOperator interface {
	Name() string
	// Execute writes req.Output and returns the path actually written.
	Execute(ctx context.Context, req Request) (string, error)
}

// Request carries one operator invocation.
type Request struct {
	Stage   frame.Stage
	Input   string
	Output  string
	Masters map[frame.MasterKind]string
	Params  map[string]string
}

// Operators maps each stage to the operator that performs it.
type Operators struct {
	byStage map[frame.Stage]ImageOperator
}

// NewOperators builds the stage operators from configuration.
func NewOperators(cfg map[string]config.OperatorConfig) (*Operators, error) {
	ops := &Operators{byStage: make(map[frame.Stage]ImageOperator)}
	for name, oc := range cfg {
		stage, err := frame.ParseStage(name)
		if err != nil {
			return nil, err
		}
		var op ImageOperator
		switch oc.Kind {
		case config.OperatorCommand:
			op = &CommandOperator{Command: oc.Command, Args: oc.Args}
		case config.OperatorMagick:
			if stage != frame.StageCalibrated {
				return nil, fmt.Errorf("operator %s: magick only implements calibration", name)
			}
			op = &MagickCalibrator{}
		case config.OperatorCopy, "":
			op = CopyOperator{}
		default:
			return nil, fmt.Errorf("operator %s: unknown kind %q", name, oc.Kind)
		}
		ops.Register(stage, op)
	}
	return ops, nil
}

// Register sets the operator for a stage.
func (o *Operators) Register(stage frame.Stage, op ImageOperator) {
	if op == nil {
		return
	}
	if o.byStage == nil {
		o.byStage = make(map[frame.Stage]ImageOperator)
	}
	o.byStage[stage] = op
}

// For returns the operator registered for stage.
func (o *Operators) For(stage frame.Stage) (ImageOperator, bool) {
	if o == nil {
		return nil, false
	}
	op, ok := o.byStage[stage]
	return op, ok
}

// Stages lists stages with an operator, in pipeline order.
func (o *Operators) Stages() []frame.Stage {
	out := make([]frame.Stage, 0, len(o.byStage))
	for s := range o.byStage {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases resources held by operators, if any.
func (o *Operators) Close() {
	for _, op := range o.byStage {
		if c, ok := op.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// partialPath is the hidden sibling an operator writes before committing. The
// leading dot keeps the directory walker from treating it as a frame.
func partialPath(output string) string {
	dir, base := filepath.Split(output)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+strings.TrimSuffix(base, ext)+".partial"+ext)
}

// ensureOutputDirectory creates the directory output is written to.
func ensureOutputDirectory(outputPath string) error {
	return fsutil.EnsureDir(filepath.Dir(outputPath))
}

// commit publishes a finished partial file under its final name.
func commit(partial, output string) error {
	if _, err := os.Stat(partial); err != nil {
		return fmt.Errorf("no output written: %v", err)
	}
	return os.Rename(partial, output)
}

func failure(name string, req Request, err error) error {
	return fmt.Errorf("%w: %s %s on %s: %v", ErrOperatorFailure, name, req.Stage, filepath.Base(req.Input), err)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
