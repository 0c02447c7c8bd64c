package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"autocal/internal/frame"
)

var defaultCommandArgs = []string{"{input}", "{output}"}

// CommandOperator runs an external program for a stage. Args may reference
// {input}, {output}, {bias}, {dark}, {flat}, {stage} and any Params key; an
// empty Args passes "{input} {output}". The program is handed a hidden
// partial path as {output}, which is renamed into place only on success.
type CommandOperator struct {
	Command string
	Args    []string
}

func (c *CommandOperator) Name() string { return filepath.Base(c.Command) }

func (c *CommandOperator) Execute(ctx context.Context, req Request) (string, error) {
	if c.Command == "" {
		return "", failure("command", req, errors.New("no command configured"))
	}
	if !fileExists(req.Input) {
		return "", failure(c.Name(), req, fmt.Errorf("input file does not exist: %s", req.Input))
	}
	if err := ensureOutputDirectory(req.Output); err != nil {
		return "", failure(c.Name(), req, err)
	}

	partial := partialPath(req.Output)
	args := c.expand(req, partial)

	cmd := exec.CommandContext(ctx, c.Command, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(partial)
		if msg := strings.TrimSpace(string(out)); msg != "" {
			err = fmt.Errorf("%v: %s", err, lastLine(msg))
		}
		return "", failure(c.Name(), req, err)
	}
	if err := commit(partial, req.Output); err != nil {
		os.Remove(partial)
		return "", failure(c.Name(), req, err)
	}
	return req.Output, nil
}

func (c *CommandOperator) expand(req Request, partial string) []string {
	pairs := []string{
		"{input}", req.Input,
		"{output}", partial,
		"{stage}", req.Stage.String(),
		"{bias}", req.Masters[frame.MasterBias],
		"{dark}", req.Masters[frame.MasterDark],
		"{flat}", req.Masters[frame.MasterFlat],
	}
	for k, v := range req.Params {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	tmpl := c.Args
	if len(tmpl) == 0 {
		tmpl = defaultCommandArgs
	}
	args := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		args = append(args, r.Replace(a))
	}
	return args
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
