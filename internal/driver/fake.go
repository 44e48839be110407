package driver

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Driver used by every core package's tests, so the
// pool, page manager, and health monitor can be exercised without a real
// Chrome subprocess. It is intentionally in the production package (not a
// _test.go file) so other packages' tests can import it directly.
type Fake struct {
	mu           sync.Mutex
	LaunchErr    error
	LaunchDelay  time.Duration
	Launched     int
	browsers     []*FakeBrowser
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LaunchDelay > 0 {
		time.Sleep(f.LaunchDelay)
	}
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	f.Launched++
	b := &FakeBrowser{}
	f.browsers = append(f.browsers, b)
	return b, nil
}

// Browsers returns every browser launched so far, for test assertions.
func (f *Fake) Browsers() []*FakeBrowser {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*FakeBrowser, len(f.browsers))
	copy(out, f.browsers)
	return out
}

// FakeBrowser is an in-memory Browser.
type FakeBrowser struct {
	mu      sync.Mutex
	alive   Probe
	pages   []*FakePage
	closed  bool
	NewPageErr error
}

func NewFakeBrowser() *FakeBrowser { return &FakeBrowser{alive: ProbeHealthy} }

func (b *FakeBrowser) SetAlive(p Probe) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive = p
}

func (b *FakeBrowser) IsAlive(ctx context.Context, timeout time.Duration) Probe {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ProbeDisconnected
	}
	return b.alive
}

func (b *FakeBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	p := &FakePage{events: make(chan PageEvent, 8), title: "", url: "about:blank"}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *FakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// FakePage is an in-memory Page that keeps the URL, title and cookies its
// calls set.
type FakePage struct {
	mu         sync.Mutex
	url        string
	title      string
	closed     bool
	cookies    []Cookie
	events     chan PageEvent
	EvalResult any
	EvalErr    error
	NavigateErr error
}

func (p *FakePage) Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error) {
	if p.NavigateErr != nil {
		return NavigateResult{}, p.NavigateErr
	}
	p.mu.Lock()
	p.url = url
	p.title = "fake title"
	p.mu.Unlock()
	select {
	case p.events <- PageEvent{Type: "frame-navigated", URL: url, Title: "fake title"}:
	default:
	}
	return NavigateResult{URL: url, Title: "fake title"}, nil
}

func (p *FakePage) Evaluate(ctx context.Context, script string) (any, error) {
	if p.EvalErr != nil {
		return nil, p.EvalErr
	}
	if p.EvalResult != nil {
		return p.EvalResult, nil
	}
	return nil, nil
}

func (p *FakePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	return []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, nil
}

func (p *FakePage) GetContent(ctx context.Context, selector string) (string, error) {
	return "<html><head><title>" + p.title + "</title></head><body></body></html>", nil
}

func (p *FakePage) Click(ctx context.Context, selector string, clickCount int) error { return nil }

func (p *FakePage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	return nil
}

func (p *FakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error {
	return nil
}

func (p *FakePage) Cookies(ctx context.Context, op CookieOp, cookies []Cookie) ([]Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch op {
	case CookieGet:
		return p.cookies, nil
	case CookieSet:
		p.cookies = append(p.cookies, cookies...)
		return nil, nil
	case CookieClear:
		p.cookies = nil
		return nil, nil
	default:
		return nil, nil
	}
}

func (p *FakePage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	return []byte("%PDF-1.4 fake"), nil
}

func (p *FakePage) Metrics(ctx context.Context) (map[string]any, error) {
	return map[string]any{"Nodes": float64(1)}, nil
}

func (p *FakePage) Events() <-chan PageEvent { return p.events }

func (p *FakePage) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.events)
	return nil
}
