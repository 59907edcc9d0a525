package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPage struct {
	playwright.Page
	mu      sync.Mutex
	url     string
	closed  bool
	evalErr error
}

func (p *stubPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *stubPage) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *stubPage) Close(options ...playwright.PageCloseOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *stubPage) Evaluate(expression string, arg ...interface{}) (interface{}, error) {
	return "complete", p.evalErr
}

type fakeDriver struct {
	mu       sync.Mutex
	pages    []*stubPage
	navErr   error
	newErr   error
	navigate []string

	// when set, navigation signals entered and waits for proceed
	entered chan struct{}
	proceed chan struct{}
}

func (d *fakeDriver) NewPage() (playwright.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.newErr != nil {
		return nil, d.newErr
	}
	p := &stubPage{url: "about:blank"}
	d.pages = append(d.pages, p)
	return p, nil
}

func (d *fakeDriver) NavigateWithRetry(page playwright.Page, url string, maxRetries int) error {
	if d.entered != nil {
		close(d.entered)
		<-d.proceed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigate = append(d.navigate, url)
	if d.navErr != nil {
		return d.navErr
	}
	sp := page.(*stubPage)
	sp.mu.Lock()
	sp.url = url
	sp.mu.Unlock()
	return nil
}

func (d *fakeDriver) HumanizeInteraction(page playwright.Page) error {
	return nil
}

func TestSessionReusesHealthyHomePage(t *testing.T) {
	d := &fakeDriver{}
	s := NewSession(d, "https://www.1688.com/", "1688.com")

	first, release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release()

	second, release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release()

	assert.Same(t, first, second)
	assert.Len(t, d.pages, 1)
	assert.Equal(t, []string{"https://www.1688.com/"}, d.navigate)

	status := s.Status()
	assert.True(t, status.Open)
	assert.Equal(t, "https://www.1688.com/", status.URL)
}

func TestSessionReplacesStaleHomePage(t *testing.T) {
	tests := []struct {
		name  string
		spoil func(p *stubPage)
	}{
		{"closed", func(p *stubPage) { p.closed = true }},
		{"unresponsive", func(p *stubPage) { p.evalErr = errors.New("execution context was destroyed") }},
		{"left the site", func(p *stubPage) { p.url = "https://example.com/" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDriver{}
			s := NewSession(d, "https://www.1688.com/", "1688.com")

			require.NoError(t, s.Warm(context.Background()))
			require.Len(t, d.pages, 1)
			tt.spoil(d.pages[0])

			page, release, err := s.Acquire(context.Background())
			require.NoError(t, err)
			defer release()

			assert.Len(t, d.pages, 2)
			assert.Same(t, d.pages[1], page)
			assert.True(t, d.pages[0].IsClosed())
		})
	}
}

func TestSessionSerializesSearches(t *testing.T) {
	s := NewSession(&fakeDriver{}, "https://www.1688.com/", "1688.com")

	_, release, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = s.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()

	_, release2, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestSessionNavigationFailure(t *testing.T) {
	d := &fakeDriver{navErr: errors.New("net::ERR_CONNECTION_RESET")}
	s := NewSession(d, "https://www.1688.com/", "1688.com")

	_, _, err := s.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, d.pages[0].IsClosed())

	// the failed attempt must not hold the session
	d.navErr = nil
	_, release, err := s.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestSessionClose(t *testing.T) {
	d := &fakeDriver{}
	s := NewSession(d, "https://www.1688.com/", "1688.com")
	require.NoError(t, s.Warm(context.Background()))

	require.NoError(t, s.Close())
	assert.True(t, d.pages[0].IsClosed())
	assert.False(t, s.Status().Open)

	_, _, err := s.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionStatusDoesNotWaitOnNavigation(t *testing.T) {
	d := &fakeDriver{entered: make(chan struct{}), proceed: make(chan struct{})}
	s := NewSession(d, "https://www.1688.com/", "1688.com")

	done := make(chan error, 1)
	go func() { done <- s.Warm(context.Background()) }()

	<-d.entered
	status := make(chan Status, 1)
	go func() { status <- s.Status() }()

	select {
	case st := <-status:
		assert.False(t, st.Open)
	case <-time.After(time.Second):
		t.Fatal("Status blocked while the home page was navigating")
	}

	close(d.proceed)
	require.NoError(t, <-done)
	assert.True(t, s.Status().Open)
}

func TestSessionClosedDuringNavigation(t *testing.T) {
	d := &fakeDriver{entered: make(chan struct{}), proceed: make(chan struct{})}
	s := NewSession(d, "https://www.1688.com/", "1688.com")

	done := make(chan error, 1)
	go func() { done <- s.Warm(context.Background()) }()

	<-d.entered
	require.NoError(t, s.Close())
	close(d.proceed)

	assert.ErrorIs(t, <-done, ErrSessionClosed)
	require.Len(t, d.pages, 1)
	assert.True(t, d.pages[0].IsClosed())
	assert.False(t, s.Status().Open)
}
