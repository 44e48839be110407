// Package driver defines the contract the core requires from a browser
// subprocess (§6.4) and a go-rod-backed implementation of it. The core's
// C5/C6/C8 components depend only on the Driver/Browser/Page interfaces
// declared here, never on *rod.Browser directly, so the concrete
// subprocess protocol stays the thin, swappable seam the spec describes.
package driver

import (
	"context"
	"time"
)

// WaitUntil selects when Navigate considers a navigation complete.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded  WaitUntil = "domcontentloaded"
	WaitNetworkIdle0      WaitUntil = "networkidle0"
	WaitNetworkIdle2      WaitUntil = "networkidle2"
)

// LaunchOptions configures a new browser subprocess.
type LaunchOptions struct {
	Headless         bool
	BrowserPath      string
	ProxyURL         string
	ProxyUsername    string
	ProxyPassword    string
	IgnoreCertErrors bool
	ExtraFlags       map[string]string
}

// NavigateOptions configures a single navigation.
type NavigateOptions struct {
	WaitUntil WaitUntil
	Timeout   time.Duration
	Referer   string
}

// NavigateResult is the page's actual landed state once Navigate
// returns, as opposed to the URL the caller asked for — a redirect or a
// same-document navigation can leave them different.
type NavigateResult struct {
	URL   string
	Title string
}

// PageOptions configures a new page at creation time (§3 ContextRecord /
// §4.5 Create).
type PageOptions struct {
	Viewport          Viewport
	UserAgent         string
	ExtraHeaders      map[string]string
	Cookies           []Cookie
	Timeout           time.Duration
	JavaScriptEnabled bool
	BypassCSP         bool
	Offline           bool
	CacheEnabled      bool
	Stealth           bool
}

// Viewport is the page's rendering surface.
type Viewport struct {
	Width  int
	Height int
}

// Cookie mirrors the driver's cookie shape.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
}

// ScreenshotOptions configures Screenshot.
type ScreenshotOptions struct {
	FullPage       bool
	Format         string // png | jpeg | webp
	Quality        int
	Selector       string
	Clip           *Rect
	OmitBackground bool
}

// Rect clips a screenshot to a region.
type Rect struct {
	X, Y, Width, Height float64
}

// PDFOptions configures PDF.
type PDFOptions struct {
	Format              string
	Landscape           bool
	Scale               float64
	MarginTopCM         float64
	MarginBottomCM      float64
	MarginLeftCM        float64
	MarginRightCM       float64
	DisplayHeaderFooter bool
	PrintBackground     bool
	PageRanges          string
}

// CookieOp is the cookie operation the page exposes (§4.5 Cookies).
type CookieOp string

const (
	CookieGet    CookieOp = "get"
	CookieSet    CookieOp = "set"
	CookieDelete CookieOp = "delete"
	CookieClear  CookieOp = "clear"
)

// Probe is the outcome of a liveness check (§4.3 Health loop).
type Probe string

const (
	ProbeHealthy      Probe = "healthy"
	ProbeUnresponsive Probe = "unresponsive"
	ProbeDisconnected Probe = "disconnected"
)

// PageEvent is emitted asynchronously by a driver Page; the page manager
// never blocks on it (§4.5).
type PageEvent struct {
	Type  string // "frame-navigated" | "page-error" | "page-script-error"
	URL   string
	Title string
	Err   string
}

// Driver launches and probes browser subprocesses. One Driver instance is
// shared by the whole pool; each Launch call yields an independent Browser.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// Browser is one running browser subprocess.
type Browser interface {
	IsAlive(ctx context.Context, timeout time.Duration) Probe
	NewPage(ctx context.Context, opts PageOptions) (Page, error)
	Close(ctx context.Context) error
}

// Page is one tab inside a Browser.
type Page interface {
	Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error)
	Evaluate(ctx context.Context, script string) (any, error)
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	GetContent(ctx context.Context, selector string) (string, error)
	Click(ctx context.Context, selector string, clickCount int) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error
	Cookies(ctx context.Context, op CookieOp, cookies []Cookie) ([]Cookie, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Metrics(ctx context.Context) (map[string]any, error)
	Events() <-chan PageEvent
	Close(ctx context.Context) error
}
