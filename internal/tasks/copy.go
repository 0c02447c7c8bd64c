package tasks

import (
	"context"
	"io"
	"os"
)

// CopyOperator passes frames through unchanged. It stands in for stages whose
// pixel work happens elsewhere so the folder chain stays complete.
type CopyOperator struct{}

func (CopyOperator) Name() string { return "copy" }

func (CopyOperator) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failure("copy", req, err)
	}
	if err := ensureOutputDirectory(req.Output); err != nil {
		return "", failure("copy", req, err)
	}
	partial := partialPath(req.Output)
	if err := copyFile(req.Input, partial); err != nil {
		os.Remove(partial)
		return "", failure("copy", req, err)
	}
	if err := commit(partial, req.Output); err != nil {
		os.Remove(partial)
		return "", failure("copy", req, err)
	}
	return req.Output, nil
}

// copyFile copies a file from src to dst
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
