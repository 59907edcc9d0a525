package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/visual-search-scraper/internal/wait"
	"github.com/playwright-community/playwright-go"
)

// Controls names the interactive elements of the search flow.
type Controls struct {
	UploadTrigger  string
	ConfirmUpload  string
	CropButton     string
	CropMask       string
	CropCanvas     string
	CanvasFallback string
	ConfirmCrop    string
}

func DefaultControls() Controls {
	return Controls{
		UploadTrigger:  ".image-file-reader-wrapper",
		ConfirmUpload:  "搜索图片",
		CropButton:     `.cut-btn, div[class*="cutBtn"]`,
		CropMask:       `div[class*="imgMask"]`,
		CropCanvas:     `div[role="dialog"] canvas`,
		CanvasFallback: "canvas",
		ConfirmCrop:    "确认",
	}
}

// upload opens the native file chooser from the upload trigger and hands it
// the image, then presses the confirmation button if the site shows one.
func (e *Engine) upload(ctx context.Context, page playwright.Page, absPath string) error {
	trigger := page.Locator(e.controls.UploadTrigger).First()

	chooser, err := page.ExpectFileChooser(func() error {
		if err := trigger.Click(playwright.LocatorClickOptions{
			Timeout: playwright.Float(ms(e.opts.FileChooserTimeout) / 3),
		}); err != nil {
			e.logger.Debug("direct click intercepted, activating upload trigger from script", "error", err)
			if _, err := page.Evaluate(`sel => document.querySelector(sel)?.click()`, e.controls.UploadTrigger); err != nil {
				return err
			}
		}
		return nil
	}, playwright.PageExpectFileChooserOptions{
		Timeout: playwright.Float(ms(e.opts.FileChooserTimeout)),
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFileChooser, err)
	}

	if err := chooser.SetFiles([]string{absPath}); err != nil {
		return fmt.Errorf("failed to attach image: %w", err)
	}
	e.logger.Debug("image attached", "path", absPath)

	pressed, err := e.confirmUpload(ctx, page)
	if err != nil {
		return err
	}
	if !pressed {
		e.logger.Info("upload confirmation not shown, assuming the site auto-confirmed")
	}
	return nil
}

// confirmUpload polls for the confirmation button by its exact label. Not
// finding it within the budget is not an error.
func (e *Engine) confirmUpload(ctx context.Context, page playwright.Page) (bool, error) {
	button := page.GetByText(e.controls.ConfirmUpload, playwright.PageGetByTextOptions{
		Exact: playwright.Bool(true),
	}).First()

	policy := wait.Policy{Interval: e.opts.ConfirmInterval, MaxAttempts: e.opts.ConfirmAttempts}
	_, err := e.poller.Until(ctx, policy, func(int) (bool, error) {
		if page.IsClosed() {
			return false, ErrHomePageClosed
		}
		visible, err := button.IsVisible()
		return err == nil && visible, nil
	})
	switch {
	case errors.Is(err, wait.ErrExhausted):
		return false, nil
	case err != nil:
		return false, err
	}

	if err := press(button); err != nil {
		e.logger.Warn("failed to press upload confirmation", "error", err)
	}
	return true, nil
}

// press dispatches the full pointer sequence before activating the element.
// The site's event layer ignores a bare synthetic click.
func press(loc playwright.Locator) error {
	for _, typ := range []string{"mouseover", "mousedown", "mouseup"} {
		if err := loc.DispatchEvent(typ, map[string]interface{}{"bubbles": true}); err != nil {
			return fmt.Errorf("failed to dispatch %s: %w", typ, err)
		}
	}
	if _, err := loc.Evaluate("el => el.click()", nil); err != nil {
		return fmt.Errorf("failed to activate element: %w", err)
	}
	return nil
}
