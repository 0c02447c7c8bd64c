package tasks

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"autocal/internal/frame"
)

// ImageMagick's environment is process wide.
var (
	magickMu    sync.Mutex
	magickReady bool
)

func magickStart() {
	magickMu.Lock()
	defer magickMu.Unlock()
	if !magickReady {
		imagick.Initialize()
		magickReady = true
	}
}

// MagickCalibrator applies masters with ImageMagick compositing:
// (light - bias - dark) / flat, rescaled by the flat's mean.
type MagickCalibrator struct{}

func (m *MagickCalibrator) Name() string { return "imagick" }

func (m *MagickCalibrator) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", failure(m.Name(), req, err)
	}
	if !fileExists(req.Input) {
		return "", failure(m.Name(), req, fmt.Errorf("input file does not exist: %s", req.Input))
	}
	if err := ensureOutputDirectory(req.Output); err != nil {
		return "", failure(m.Name(), req, err)
	}

	magickStart()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(req.Input); err != nil {
		return "", failure(m.Name(), req, fmt.Errorf("read light: %v", err))
	}

	for _, kind := range []frame.MasterKind{frame.MasterBias, frame.MasterDark} {
		path := req.Masters[kind]
		if path == "" {
			continue
		}
		if err := composite(mw, path, imagick.COMPOSITE_OP_MINUS_DST); err != nil {
			return "", failure(m.Name(), req, fmt.Errorf("subtract %s: %v", kind, err))
		}
	}

	if path := req.Masters[frame.MasterFlat]; path != "" {
		if err := applyFlat(mw, path); err != nil {
			return "", failure(m.Name(), req, fmt.Errorf("divide flat: %v", err))
		}
	}

	partial := partialPath(req.Output)
	if err := mw.WriteImage(partial); err != nil {
		os.Remove(partial)
		return "", failure(m.Name(), req, fmt.Errorf("write: %v", err))
	}
	if err := commit(partial, req.Output); err != nil {
		os.Remove(partial)
		return "", failure(m.Name(), req, err)
	}
	return req.Output, nil
}

func composite(mw *imagick.MagickWand, path string, op imagick.CompositeOperator) error {
	src := imagick.NewMagickWand()
	defer src.Destroy()
	if err := src.ReadImage(path); err != nil {
		return err
	}
	return mw.CompositeImage(src, op, true, 0, 0)
}

func applyFlat(mw *imagick.MagickWand, path string) error {
	flat := imagick.NewMagickWand()
	defer flat.Destroy()
	if err := flat.ReadImage(path); err != nil {
		return err
	}
	mean, _, err := flat.GetImageMean()
	if err != nil {
		return err
	}
	_, quantum := imagick.GetQuantumRange()
	if mean <= 0 || quantum == 0 {
		return fmt.Errorf("flat %s has no signal", path)
	}
	if err := mw.CompositeImage(flat, imagick.COMPOSITE_OP_DIVIDE_DST, true, 0, 0); err != nil {
		return err
	}
	return mw.EvaluateImage(imagick.EVALUATE_OP_MULTIPLY, mean/float64(quantum))
}

// Close terminates the ImageMagick environment once no run needs it.
func (m *MagickCalibrator) Close() {
	magickMu.Lock()
	defer magickMu.Unlock()
	if magickReady {
		imagick.Terminate()
		magickReady = false
	}
}
