package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// RodDriver launches real Chrome/Chromium subprocesses via go-rod, the
// same library and launch-flag set the teacher pool used, generalized to
// take LaunchOptions per call instead of one fixed pool-wide config.
type RodDriver struct{}

// NewRodDriver returns the production Driver.
func NewRodDriver() *RodDriver { return &RodDriver{} }

func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := buildLauncher(opts)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	if opts.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("failed to set IgnoreCertErrors")
		}
	}

	return &rodBrowser{browser: b, proxyUsername: opts.ProxyUsername, proxyPassword: opts.ProxyPassword}, nil
}

// buildLauncher reproduces the teacher's anti-detection flag set, keyed
// off a per-launch option bag instead of a process-wide config.
func buildLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp").
		Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns").
		Set("enable-features", "NetworkService,NetworkServiceInProcess").
		Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1920,1080").
		Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if runtime.GOARCH == "arm64" || runtime.GOARCH == "arm" {
		l = l.Set("disable-gpu-compositing")
	}

	for k, v := range opts.ExtraFlags {
		l = l.Set(k, v)
	}

	return l
}

type rodBrowser struct {
	browser       *rod.Browser
	proxyUsername string
	proxyPassword string
}

func (b *rodBrowser) IsAlive(ctx context.Context, timeout time.Duration) Probe {
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := b.browser.Context(c).Version()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return ProbeDisconnected
		}
		return ProbeHealthy
	case <-c.Done():
		return ProbeUnresponsive
	}
}

func (b *rodBrowser) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	p, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("new page: %w", err)
	}

	if opts.Stealth {
		if err := stealth.Inject(p); err != nil {
			log.Warn().Err(err).Msg("stealth inject failed, continuing without it")
		}
	}

	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		if err := p.SetViewport(&proto.DeviceMetricsOverride{
			Width:  opts.Viewport.Width,
			Height: opts.Viewport.Height,
		}); err != nil {
			log.Warn().Err(err).Msg("set viewport failed")
		}
	}

	if opts.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: opts.UserAgent}); err != nil {
			log.Warn().Err(err).Msg("set user agent failed")
		}
	}

	if len(opts.ExtraHeaders) > 0 {
		headers := make([]string, 0, len(opts.ExtraHeaders)*2)
		for k, v := range opts.ExtraHeaders {
			headers = append(headers, k, v)
		}
		if err := p.SetExtraHeaders(headers); err != nil {
			log.Warn().Err(err).Msg("set extra headers failed")
		}
	}

	if !opts.JavaScriptEnabled {
		if err := (proto.EmulationSetScriptExecutionDisabled{Value: true}).Call(p); err != nil {
			log.Warn().Err(err).Msg("disable javascript failed")
		}
	}

	if opts.BypassCSP {
		if err := p.SetBypassCSP(true); err != nil {
			log.Warn().Err(err).Msg("bypass csp failed")
		}
	}

	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: !opts.CacheEnabled}).Call(p); err != nil {
		log.Warn().Err(err).Msg("set cache enabled failed")
	}

	if opts.Offline {
		if err := (proto.NetworkEmulateNetworkConditions{
			Offline:            true,
			Latency:            0,
			DownloadThroughput: 0,
			UploadThroughput:   0,
		}).Call(p); err != nil {
			log.Warn().Err(err).Msg("set offline failed")
		}
	}

	for _, c := range opts.Cookies {
		_ = proto.NetworkSetCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}.Call(p)
	}

	rp := &rodPage{page: p, events: make(chan PageEvent, 32)}
	rp.watch()
	rp.proxyAuthCleanup = setupProxyAuth(ctx, p, b.proxyUsername, b.proxyPassword)
	return rp, nil
}

// setupProxyAuth answers CDP Fetch-domain auth challenges for an
// authenticated upstream proxy set at launch time (the proxy server
// itself is configured via LaunchOptions.ProxyURL; Chrome has no CLI flag
// for proxy credentials, so auth is handled per page via the Fetch
// domain). Returns a cleanup func that must be called on page close to
// stop the listener goroutines; safe to call multiple times. A no-op when
// username is empty.
func setupProxyAuth(ctx context.Context, p *rod.Page, username, password string) func() {
	if username == "" {
		return func() {}
	}

	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(p); err != nil {
		log.Warn().Err(err).Msg("failed to enable fetch domain for proxy auth")
		return func() {}
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pg := p.Context(listenerCtx)
	var wg sync.WaitGroup
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("timeout waiting for proxy auth listeners to stop")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pg.EachEvent(func(e *proto.TargetTargetDestroyed) bool {
			cleanup()
			return true
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pg.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				},
			}.Call(p)
			return false
		})()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pg.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.ResponseStatusCode == nil {
				_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(p)
			}
			return false
		})()
	}()

	return cleanup
}

func (b *rodBrowser) Close(ctx context.Context) error {
	return b.browser.Context(ctx).Close()
}

type rodPage struct {
	page             *rod.Page
	mu               sync.Mutex
	events           chan PageEvent
	proxyAuthCleanup func()
}

// watch installs driver-level listeners that translate into PageEvent
// without ever blocking the caller, per §4.5.
func (p *rodPage) watch() {
	go p.page.EachEvent(func(e *proto.PageFrameNavigated) {
		title := ""
		if info, err := p.page.Info(); err == nil {
			title = info.Title
		}
		p.emit(PageEvent{Type: "frame-navigated", URL: e.Frame.URL, Title: title})
	}, func(e *proto.RuntimeExceptionThrown) {
		p.emit(PageEvent{Type: "page-error", Err: e.ExceptionDetails.Text})
	})()
}

func (p *rodPage) emit(ev PageEvent) {
	select {
	case p.events <- ev:
	default:
		// drop-oldest for the page's own event relay, same policy as the
		// event bus it ultimately feeds.
		select {
		case <-p.events:
		default:
		}
		select {
		case p.events <- ev:
		default:
		}
	}
}

func (p *rodPage) Events() <-chan PageEvent { return p.events }

func (p *rodPage) Navigate(ctx context.Context, url string, opts NavigateOptions) (NavigateResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pg := p.page.Context(c)
	if opts.Referer != "" {
		_ = proto.NetworkSetExtraHTTPHeaders{Headers: proto.NetworkHeaders{"Referer": opts.Referer}}.Call(pg)
	}
	if err := pg.Navigate(url); err != nil {
		return NavigateResult{}, fmt.Errorf("navigate: %w", err)
	}

	switch opts.WaitUntil {
	case WaitDOMContentLoaded, "":
		if err := pg.WaitDOMStable(300*time.Millisecond, 0); err != nil {
			return NavigateResult{}, fmt.Errorf("wait dom stable: %w", err)
		}
	case WaitNetworkIdle0, WaitNetworkIdle2:
		if err := pg.WaitIdle(2 * time.Second); err != nil {
			return NavigateResult{}, fmt.Errorf("wait idle: %w", err)
		}
	default:
		if err := pg.WaitLoad(); err != nil {
			return NavigateResult{}, fmt.Errorf("wait load: %w", err)
		}
	}

	info, err := pg.Info()
	if err != nil {
		return NavigateResult{URL: url}, nil
	}
	return NavigateResult{URL: info.URL, Title: info.Title}, nil
}

func (p *rodPage) Evaluate(ctx context.Context, script string) (any, error) {
	res, err := p.page.Context(ctx).Eval(script)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	var v any
	if err := json.Unmarshal([]byte(res.Value.Raw), &v); err != nil {
		return res.Value.Str(), nil
	}
	return v, nil
}

func (p *rodPage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	format := proto.PageCaptureScreenshotFormatPng
	switch opts.Format {
	case "jpeg":
		format = proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		format = proto.PageCaptureScreenshotFormatWebp
	}

	req := &proto.PageCaptureScreenshot{Format: format}
	if opts.Quality > 0 {
		req.Quality = &opts.Quality
	}
	if opts.Clip != nil {
		req.Clip = &proto.PageViewport{
			X: opts.Clip.X, Y: opts.Clip.Y,
			Width: opts.Clip.Width, Height: opts.Clip.Height,
			Scale: 1,
		}
	}

	pg := p.page.Context(ctx)
	if opts.Selector != "" {
		el, err := pg.Element(opts.Selector)
		if err != nil {
			return nil, fmt.Errorf("screenshot selector: %w", err)
		}
		return el.Screenshot(format, req)
	}
	return pg.Screenshot(opts.FullPage, req)
}

func (p *rodPage) GetContent(ctx context.Context, selector string) (string, error) {
	pg := p.page.Context(ctx)
	if selector == "" {
		return pg.HTML()
	}
	el, err := pg.Element(selector)
	if err != nil {
		return "", fmt.Errorf("get content selector: %w", err)
	}
	return el.HTML()
}

func (p *rodPage) Click(ctx context.Context, selector string, clickCount int) error {
	if clickCount <= 0 {
		clickCount = 1
	}
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("click selector: %w", err)
	}
	return el.Click(proto.InputMouseButtonLeft, clickCount)
}

func (p *rodPage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("type selector: %w", err)
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("focus: %w", err)
	}
	for _, r := range text {
		if err := el.Input(string(r)); err != nil {
			return fmt.Errorf("input: %w", err)
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}
	return nil
}

func (p *rodPage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration, visible bool) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pg := p.page.Context(c)

	el, err := pg.Element(selector)
	if err != nil {
		return fmt.Errorf("wait for selector: %w", err)
	}
	if visible {
		return el.WaitVisible()
	}
	return nil
}

func (p *rodPage) Cookies(ctx context.Context, op CookieOp, cookies []Cookie) ([]Cookie, error) {
	pg := p.page.Context(ctx)
	switch op {
	case CookieGet:
		raw, err := pg.Cookies(nil)
		if err != nil {
			return nil, fmt.Errorf("get cookies: %w", err)
		}
		out := make([]Cookie, 0, len(raw))
		for _, c := range raw {
			out = append(out, Cookie{
				Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
				HTTPOnly: c.HTTPOnly, Secure: c.Secure,
			})
		}
		return out, nil
	case CookieSet:
		for _, c := range cookies {
			if err := (proto.NetworkSetCookie{
				Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
				HTTPOnly: c.HTTPOnly, Secure: c.Secure,
			}).Call(pg); err != nil {
				return nil, fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil, nil
	case CookieDelete:
		for _, c := range cookies {
			if err := (proto.NetworkDeleteCookies{Name: c.Name, Domain: c.Domain, Path: c.Path}).Call(pg); err != nil {
				return nil, fmt.Errorf("delete cookie %s: %w", c.Name, err)
			}
		}
		return nil, nil
	case CookieClear:
		if err := (proto.NetworkClearBrowserCookies{}).Call(pg); err != nil {
			return nil, fmt.Errorf("clear cookies: %w", err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cookie op %q", op)
	}
}

func (p *rodPage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	req := &proto.PagePrintToPDF{
		Landscape:           opts.Landscape,
		PrintBackground:     opts.PrintBackground,
		Scale:               valOrDefault(opts.Scale, 1),
		MarginTop:           &opts.MarginTopCM,
		MarginBottom:        &opts.MarginBottomCM,
		MarginLeft:          &opts.MarginLeftCM,
		MarginRight:         &opts.MarginRightCM,
		DisplayHeaderFooter: opts.DisplayHeaderFooter,
		PageRanges:          opts.PageRanges,
	}
	reader, err := p.page.Context(ctx).PDF(req)
	if err != nil {
		return nil, fmt.Errorf("pdf: %w", err)
	}
	defer reader.Close()

	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 32*1024)
	for {
		n, rerr := reader.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	return buf, nil
}

func valOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func (p *rodPage) Metrics(ctx context.Context) (map[string]any, error) {
	m, err := proto.PerformanceGetMetrics{}.Call(p.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	out := make(map[string]any, len(m.Metrics))
	for _, metric := range m.Metrics {
		out[metric.Name] = metric.Value
	}
	return out, nil
}

func (p *rodPage) Close(ctx context.Context) error {
	if p.proxyAuthCleanup != nil {
		p.proxyAuthCleanup()
	}
	return p.page.Context(ctx).Close()
}
