package scraper

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maltedev/visual-search-scraper/internal/models"
	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUploadEngine(t *testing.T) (*Engine, *[]time.Duration) {
	t.Helper()
	e, _ := newCropEngine(t, CropFullCanvas)
	var sleeps []time.Duration
	e.poller.Sleep = recordingSleep(&sleeps)
	return e, &sleeps
}

func TestPressDispatchesPointerSequence(t *testing.T) {
	loc := &stubLocator{}

	require.NoError(t, press(loc))
	assert.Equal(t, []string{"mouseover", "mousedown", "mouseup", "click"}, loc.events)
}

func TestUpload(t *testing.T) {
	tests := []struct {
		name        string
		clickErr    error
		wantScripts int
	}{
		{name: "direct click", wantScripts: 0},
		{name: "blocked click falls back to script", clickErr: errors.New("element is covered by overlay"), wantScripts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newUploadEngine(t)
			trigger := &stubLocator{clickErr: tt.clickErr}
			confirm := &stubLocator{visibleAfter: 2}
			chooser := &stubChooser{}
			page := &stubPage{
				locators: map[string]*stubLocator{e.controls.UploadTrigger: trigger},
				texts:    map[string]*stubLocator{e.controls.ConfirmUpload: confirm},
				chooser:  chooser,
			}

			require.NoError(t, e.upload(context.Background(), page, "/tmp/item.png"))

			assert.Equal(t, []string{"/tmp/item.png"}, chooser.files)
			assert.Equal(t, []string{"direct-click"}, trigger.events)
			assert.Len(t, page.scripts, tt.wantScripts)
			assert.Equal(t, []string{"mouseover", "mousedown", "mouseup", "click"}, confirm.events)
		})
	}
}

func TestUploadChooserNeverOpens(t *testing.T) {
	e, _ := newUploadEngine(t)
	page := &stubPage{
		locators:   map[string]*stubLocator{e.controls.UploadTrigger: {}},
		chooserErr: playwright.ErrTimeout,
	}

	err := e.upload(context.Background(), page, "/tmp/item.png")
	assert.ErrorIs(t, err, ErrFileChooser)
}

func TestConfirmUploadGivesUpQuietly(t *testing.T) {
	e, sleeps := newUploadEngine(t)
	confirm := &stubLocator{}
	page := &stubPage{texts: map[string]*stubLocator{e.controls.ConfirmUpload: confirm}}

	pressed, err := e.confirmUpload(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, pressed)

	assert.Equal(t, e.opts.ConfirmAttempts, confirm.visibleCalls)
	assert.Len(t, *sleeps, e.opts.ConfirmAttempts-1)
	assert.Empty(t, confirm.events)
}

func TestConfirmUploadHomeClosed(t *testing.T) {
	e, _ := newUploadEngine(t)
	page := &stubPage{closed: true, texts: map[string]*stubLocator{e.controls.ConfirmUpload: {}}}

	_, err := e.confirmUpload(context.Background(), page)
	assert.ErrorIs(t, err, ErrHomePageClosed)
}

func TestCloseTransientKeepsHomeAndPriorPages(t *testing.T) {
	e, _ := newUploadEngine(t)
	blank := &stubPage{url: "about:blank"}
	home := &stubPage{url: "https://www.1688.com/"}
	results := &stubPage{url: "https://s.1688.com/youyuan/index.htm"}
	detail := &stubPage{url: "https://detail.1688.com/offer/1.html"}

	browserCtx := &stubContext{snapshots: [][]playwright.Page{{blank, home, results, detail}}}
	e.closeTransient(browserCtx, home, []playwright.Page{blank, home})

	assert.False(t, blank.closed)
	assert.False(t, home.closed)
	assert.True(t, results.closed)
	assert.True(t, detail.closed)
}

func TestSearchByImageCleansUpOnFailure(t *testing.T) {
	e, _ := newUploadEngine(t)

	path := filepath.Join(t.TempDir(), "item.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, f.Close())

	blank := &stubPage{url: "about:blank"}
	home := &stubPage{url: "https://www.1688.com/"}
	popup := &stubPage{url: "https://s.1688.com/youyuan/index.htm"}
	home.ctx = &stubContext{snapshots: [][]playwright.Page{
		{blank, home},
		{blank, home, popup},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.SearchByImage(ctx, home, models.SearchRequest{ImagePath: path})
	require.Error(t, err)

	var se *SearchError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, PhaseGate, se.Phase)

	assert.True(t, popup.closed)
	assert.False(t, home.closed)
	assert.False(t, blank.closed)
}
