package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/wait"
	"github.com/playwright-community/playwright-go"
)

// Pointer is the mouse surface a drag needs.
type Pointer interface {
	Move(x, y float64, options ...playwright.MouseMoveOptions) error
	Down(options ...playwright.MouseDownOptions) error
	Up(options ...playwright.MouseUpOptions) error
}

// DragDriver replays drags as press, interpolated move, hold, release.
type DragDriver struct {
	Steps       int
	Hold        time.Duration
	CornerPause time.Duration
	Sleep       wait.Sleeper
}

func (d DragDriver) Run(ctx context.Context, ptr Pointer, drags []Drag) error {
	sleep := d.Sleep
	if sleep == nil {
		sleep = wait.Sleep
	}

	for i, drag := range drags {
		if i > 0 {
			if err := sleep(ctx, d.CornerPause); err != nil {
				return err
			}
		}

		if err := ptr.Move(drag.From.X, drag.From.Y); err != nil {
			return fmt.Errorf("failed to reach handle: %w", err)
		}
		if err := ptr.Down(); err != nil {
			return fmt.Errorf("failed to grab handle: %w", err)
		}
		if err := ptr.Move(drag.To.X, drag.To.Y, playwright.MouseMoveOptions{Steps: playwright.Int(d.Steps)}); err != nil {
			_ = ptr.Up()
			return fmt.Errorf("failed to drag handle: %w", err)
		}
		if err := sleep(ctx, d.Hold); err != nil {
			_ = ptr.Up()
			return err
		}
		if err := ptr.Up(); err != nil {
			return fmt.Errorf("failed to release handle: %w", err)
		}
	}
	return nil
}

const maskScript = `sel => {
	const mask = document.querySelector(sel);
	if (!mask || !mask.parentElement) return null;
	const parent = mask.parentElement;
	const rect = parent.getBoundingClientRect();
	return {
		parentW: parseFloat(parent.style.width) || rect.width,
		parentH: parseFloat(parent.style.height) || rect.height,
		left: parseFloat(mask.style.left) || 0,
		top: parseFloat(mask.style.top) || 0,
		width: parseFloat(mask.style.width) || 0,
		height: parseFloat(mask.style.height) || 0,
	};
}`

// readMask returns the geometry of the site's auto-crop mask, or false when
// the mask is not on the page.
func (e *Engine) readMask(page playwright.Page) (MaskGeometry, bool, error) {
	raw, err := page.Evaluate(maskScript, e.controls.CropMask)
	if err != nil {
		return MaskGeometry{}, false, fmt.Errorf("failed to read crop mask: %w", err)
	}
	if raw == nil {
		return MaskGeometry{}, false, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return MaskGeometry{}, false, err
	}
	var m MaskGeometry
	if err := json.Unmarshal(data, &m); err != nil {
		return MaskGeometry{}, false, fmt.Errorf("unexpected crop mask shape: %w", err)
	}
	return m, true, nil
}

func skipped(status CropStatus, strategy CropStrategy, format string, args ...interface{}) CropOutcome {
	return CropOutcome{Status: status, Strategy: strategy, Reason: fmt.Sprintf(format, args...)}
}

func timeoutStatus(err error) CropStatus {
	if errors.Is(err, playwright.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CropSkippedTimeout
	}
	return CropSkippedException
}

// correctCrop expands the site's auto-crop to the whole image. It never fails
// the search: every problem is reported in the returned outcome and the
// caller extracts whatever the surface currently shows.
func (e *Engine) correctCrop(ctx context.Context, page playwright.Page) CropOutcome {
	strategy := e.opts.CropStrategy

	fraction := FullFraction()
	mask, found, err := e.readMask(page)
	switch {
	case err != nil:
		return skipped(CropSkippedException, strategy, "%v", err)
	case found:
		if f, ok := mask.Fraction(); ok {
			fraction = f
		} else if strategy == CropHandleToHandle {
			return skipped(CropSkippedMissingElement, strategy, "crop mask has no size")
		}
	case strategy == CropHandleToHandle:
		return skipped(CropSkippedMissingElement, strategy, "crop mask not found")
	}

	e.logger.Debug("auto-crop region", "fraction", fraction, "strategy", strategy)

	button := page.Locator(e.controls.CropButton).First()
	if err := button.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms(e.opts.CropControlTimeout)),
	}); err != nil {
		return skipped(CropSkippedMissingElement, strategy, "crop control not found: %v", err)
	}
	if err := press(button); err != nil {
		return skipped(CropSkippedException, strategy, "%v", err)
	}

	canvas, err := e.waitCanvas(page)
	if err != nil {
		return skipped(timeoutStatus(err), strategy, "crop canvas did not render: %v", err)
	}

	if err := e.sleep(ctx, e.opts.CanvasSettle); err != nil {
		return skipped(CropSkippedException, strategy, "%v", err)
	}

	rect, err := canvas.BoundingBox()
	if err != nil {
		return skipped(CropSkippedException, strategy, "failed to measure canvas: %v", err)
	}
	if rect == nil || rect.Width <= e.opts.MinCanvasWidth {
		return skipped(CropSkippedTimeout, strategy, "crop canvas not rendered yet")
	}

	box := Box{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}
	drags := PlanDrags(box, fraction, e.opts.HandleInset)

	driver := DragDriver{
		Steps:       e.opts.DragSteps,
		Hold:        e.opts.DragHold,
		CornerPause: e.opts.CornerPause,
		Sleep:       e.sleep,
	}
	if err := driver.Run(ctx, page.Mouse(), drags[:]); err != nil {
		return skipped(CropSkippedException, strategy, "%v", err)
	}

	confirm := page.GetByText(e.controls.ConfirmCrop, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(true),
	}).First()
	if n, err := confirm.Count(); err != nil || n == 0 {
		return skipped(CropSkippedMissingElement, strategy, "crop confirmation not found")
	}
	if err := press(confirm); err != nil {
		return skipped(CropSkippedException, strategy, "%v", err)
	}

	e.settle(page)

	return CropOutcome{Status: CropApplied, Strategy: strategy}
}

// waitCanvas waits for the crop canvas inside its dialog, then anywhere on
// the page.
func (e *Engine) waitCanvas(page playwright.Page) (playwright.Locator, error) {
	canvas := page.Locator(e.controls.CropCanvas).First()
	err := canvas.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms(e.opts.CanvasTimeout)),
	})
	if err == nil {
		return canvas, nil
	}

	canvas = page.Locator(e.controls.CanvasFallback).First()
	if err := canvas.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(ms(e.opts.CanvasFallback)),
	}); err != nil {
		return nil, err
	}
	return canvas, nil
}
