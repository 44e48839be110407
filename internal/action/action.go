// Package action implements the action executor (C10): a fixed dispatch
// table from action name to a typed handler, each with a schema, a page
// resolver, a call into the page manager, and a response shape (§4.7,
// §6.1).
//
// The dispatch-table shape is grounded on the teacher's solver.go, which
// maps a single "cmd" field onto a fixed set of Solve* methods; this
// generalizes that one-field switch into a schema-validated table
// covering the full action surface in §6.1.
package action

import (
	"context"
	"fmt"
	"time"

	"github.com/rorqualx/browserfleet/internal/corerr"
	"github.com/rorqualx/browserfleet/internal/driver"
)

// PageOps is the subset of the page manager (C8) the executor calls into.
// Declaring it as an interface here (rather than importing pagemgr
// directly) keeps the dependency edge one-directional: ctxmgr depends on
// both action and pagemgr, action depends on neither.
type PageOps interface {
	Navigate(ctx context.Context, pageID, sessionID, url string, opts driver.NavigateOptions) (driver.NavigateResult, error)
	Evaluate(ctx context.Context, pageID, sessionID, script string) (any, error)
	Screenshot(ctx context.Context, pageID, sessionID string, opts driver.ScreenshotOptions) ([]byte, error)
	GetContent(ctx context.Context, pageID, sessionID, selector string) (string, error)
	Click(ctx context.Context, pageID, sessionID, selector string, clickCount int) error
	Type(ctx context.Context, pageID, sessionID, selector, text string, delay time.Duration) error
	WaitForSelector(ctx context.Context, pageID, sessionID, selector string, timeout time.Duration, visible bool) error
	Cookies(ctx context.Context, pageID, sessionID string, op driver.CookieOp, cookies []driver.Cookie) ([]driver.Cookie, error)
	PDF(ctx context.Context, pageID, sessionID string, opts driver.PDFOptions) ([]byte, error)
	Close(ctx context.Context, pageID, sessionID string) error
}

// Args is the loosely-typed argument bag every action receives, mirroring
// a decoded JSON object.
type Args map[string]any

// fieldKind is the small set of argument shapes the schema validator
// understands; the action surface needs nothing richer.
type fieldKind int

const (
	kindString fieldKind = iota
	kindBool
	kindNumber
	kindStringSlice
	kindMap
)

type field struct {
	name     string
	kind     fieldKind
	required bool
}

// schema describes one handler's required and optional fields (§4.7).
type schema struct {
	fields     []field
	oneOfGroup []string // at least one of these string fields must be present
}

func (s schema) validate(args Args) error {
	for _, f := range s.fields {
		v, present := args[f.name]
		if !present {
			if f.required {
				return fmt.Errorf("missing required field %q", f.name)
			}
			continue
		}
		if err := checkKind(f.name, f.kind, v); err != nil {
			return err
		}
	}
	if len(s.oneOfGroup) > 0 {
		found := false
		for _, name := range s.oneOfGroup {
			if _, ok := args[name]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("one of %v is required", s.oneOfGroup)
		}
	}
	known := make(map[string]bool, len(s.fields)+len(s.oneOfGroup))
	for _, f := range s.fields {
		known[f.name] = true
	}
	for _, name := range s.oneOfGroup {
		known[name] = true
	}
	for name := range args {
		if !known[name] {
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}

func checkKind(name string, kind fieldKind, v any) error {
	switch kind {
	case kindString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("field %q must be a string", name)
		}
	case kindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("field %q must be a bool", name)
		}
	case kindNumber:
		switch v.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("field %q must be a number", name)
		}
	case kindStringSlice:
		if _, ok := v.([]string); !ok {
			if _, ok := v.([]any); !ok {
				return fmt.Errorf("field %q must be a list", name)
			}
		}
	case kindMap:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Errorf("field %q must be an object", name)
		}
	}
	return nil
}

func str(a Args, k, def string) string {
	if v, ok := a[k].(string); ok {
		return v
	}
	return def
}

func boolean(a Args, k string, def bool) bool {
	if v, ok := a[k].(bool); ok {
		return v
	}
	return def
}

func number(a Args, k string, def float64) float64 {
	switch v := a[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

func durationMS(a Args, k string, def time.Duration) time.Duration {
	if _, ok := a[k]; !ok {
		return def
	}
	return time.Duration(number(a, k, 0)) * time.Millisecond
}

// handler is one row of the dispatch table.
type handler struct {
	schema schema
	run    func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error)
}

// Executor holds the fixed action → handler table (§4.7).
type Executor struct {
	table   map[string]handler
	overlay *Overlay
}

// New builds the executor with the full §6.1 action surface wired in and
// no schema overlay (every action runs unrestricted).
func New() *Executor {
	return newExecutor(nil)
}

// NewWithOverlay builds the executor with a hot-reloadable schema overlay
// (§4.7) layered over the built-in dispatch table.
func NewWithOverlay(overlay *Overlay) *Executor {
	return newExecutor(overlay)
}

func newExecutor(overlay *Overlay) *Executor {
	e := &Executor{table: make(map[string]handler), overlay: overlay}

	e.table["navigate"] = handler{
		schema: schema{fields: []field{
			{"url", kindString, true},
			{"waitUntil", kindString, false},
			{"timeout", kindNumber, false},
			{"referer", kindString, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			opts := driver.NavigateOptions{
				WaitUntil: driver.WaitUntil(str(args, "waitUntil", string(driver.WaitLoad))),
				Timeout:   durationMS(args, "timeout", 30*time.Second),
				Referer:   str(args, "referer", ""),
			}
			url := str(args, "url", "")
			res, err := ops.Navigate(ctx, pageID, sessionID, url, opts)
			if err != nil {
				return nil, err
			}
			return Args{"ok": true, "finalUrl": res.URL, "title": res.Title}, nil
		},
	}

	e.table["evaluate"] = handler{
		schema: schema{oneOfGroup: []string{"expression", "code"}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			script := str(args, "expression", str(args, "code", ""))
			result, err := ops.Evaluate(ctx, pageID, sessionID, script)
			if err != nil {
				return nil, err
			}
			return Args{"result": result}, nil
		},
	}

	e.table["click"] = handler{
		schema: schema{fields: []field{
			{"selector", kindString, true},
			{"clickCount", kindNumber, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			n := int(number(args, "clickCount", 1))
			if err := ops.Click(ctx, pageID, sessionID, str(args, "selector", ""), n); err != nil {
				return nil, err
			}
			return Args{"ok": true}, nil
		},
	}

	e.table["type"] = handler{
		schema: schema{fields: []field{
			{"selector", kindString, true},
			{"text", kindString, true},
			{"delay", kindNumber, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			delay := durationMS(args, "delay", 0)
			if err := ops.Type(ctx, pageID, sessionID, str(args, "selector", ""), str(args, "text", ""), delay); err != nil {
				return nil, err
			}
			return Args{"ok": true}, nil
		},
	}

	e.table["getContent"] = handler{
		schema: schema{fields: []field{{"selector", kindString, false}}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			content, err := ops.GetContent(ctx, pageID, sessionID, str(args, "selector", ""))
			if err != nil {
				return nil, err
			}
			return Args{"content": content}, nil
		},
	}

	e.table["waitForSelector"] = handler{
		schema: schema{fields: []field{
			{"selector", kindString, true},
			{"timeout", kindNumber, false},
			{"visible", kindBool, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			timeout := durationMS(args, "timeout", 30*time.Second)
			visible := boolean(args, "visible", false)
			if err := ops.WaitForSelector(ctx, pageID, sessionID, str(args, "selector", ""), timeout, visible); err != nil {
				return nil, err
			}
			return Args{"ok": true}, nil
		},
	}

	e.table["screenshot"] = handler{
		schema: schema{fields: []field{
			{"fullPage", kindBool, false},
			{"type", kindString, false},
			{"quality", kindNumber, false},
			{"selector", kindString, false},
			{"clip", kindMap, false},
			{"omitBackground", kindBool, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			opts := driver.ScreenshotOptions{
				FullPage:       boolean(args, "fullPage", false),
				Format:         str(args, "type", "png"),
				Quality:        int(number(args, "quality", 0)),
				Selector:       str(args, "selector", ""),
				OmitBackground: boolean(args, "omitBackground", false),
			}
			if clip, ok := args["clip"].(map[string]any); ok {
				opts.Clip = &driver.Rect{
					X: number(clip, "x", 0), Y: number(clip, "y", 0),
					Width: number(clip, "width", 0), Height: number(clip, "height", 0),
				}
			}
			img, err := ops.Screenshot(ctx, pageID, sessionID, opts)
			if err != nil {
				return nil, err
			}
			return Args{"image_base64": img, "size": len(img)}, nil
		},
	}

	e.table["pdf"] = handler{
		schema: schema{fields: []field{
			{"format", kindString, false},
			{"landscape", kindBool, false},
			{"scale", kindNumber, false},
			{"margin", kindMap, false},
			{"displayHeaderFooter", kindBool, false},
			{"printBackground", kindBool, false},
			{"pageRanges", kindString, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			opts := driver.PDFOptions{
				Format:              str(args, "format", "A4"),
				Landscape:           boolean(args, "landscape", false),
				Scale:               number(args, "scale", 1),
				DisplayHeaderFooter: boolean(args, "displayHeaderFooter", false),
				PrintBackground:     boolean(args, "printBackground", true),
				PageRanges:          str(args, "pageRanges", ""),
			}
			if margin, ok := args["margin"].(map[string]any); ok {
				opts.MarginTopCM = number(margin, "top", 0)
				opts.MarginBottomCM = number(margin, "bottom", 0)
				opts.MarginLeftCM = number(margin, "left", 0)
				opts.MarginRightCM = number(margin, "right", 0)
			}
			pdf, err := ops.PDF(ctx, pageID, sessionID, opts)
			if err != nil {
				return nil, err
			}
			return Args{"pdf_base64": pdf, "size": len(pdf)}, nil
		},
	}

	e.table["cookie"] = handler{
		schema: schema{fields: []field{
			{"operation", kindString, true},
			{"cookies", kindStringSlice, false},
		}},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			op := driver.CookieOp(str(args, "operation", ""))
			switch op {
			case driver.CookieGet, driver.CookieSet, driver.CookieDelete, driver.CookieClear:
			default:
				return nil, corerr.New(corerr.CodeInvalidArgument, "action.cookie", "unknown cookie operation %q", op)
			}
			cookies := decodeCookies(args["cookies"])
			out, err := ops.Cookies(ctx, pageID, sessionID, op, cookies)
			if err != nil {
				return nil, err
			}
			return Args{"cookies": out}, nil
		},
	}

	e.table["close"] = handler{
		schema: schema{},
		run: func(ctx context.Context, ops PageOps, pageID, sessionID string, args Args) (Args, error) {
			if err := ops.Close(ctx, pageID, sessionID); err != nil {
				return nil, err
			}
			return Args{"ok": true}, nil
		},
	}

	return e
}

func decodeCookies(v any) []driver.Cookie {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]driver.Cookie, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		c := driver.Cookie{
			Name:     str(m, "name", ""),
			Value:    str(m, "value", ""),
			Domain:   str(m, "domain", ""),
			Path:     str(m, "path", "/"),
			HTTPOnly: boolean(m, "httpOnly", false),
			Secure:   boolean(m, "secure", false),
		}
		out = append(out, c)
	}
	return out
}

// Execute validates args against action's schema and runs its handler.
// Unknown actions and schema failures fail with InvalidArgument (§4.7);
// driver-level failures pass through as Internal/other codes the handler
// already wraps.
func (e *Executor) Execute(ctx context.Context, ops PageOps, action, pageID, sessionID string, args Args) (Args, error) {
	h, ok := e.table[action]
	if !ok {
		return nil, corerr.New(corerr.CodeInvalidArgument, "action.Execute", "unknown action %q", action)
	}
	if args == nil {
		args = Args{}
	}
	if err := h.schema.validate(args); err != nil {
		return nil, corerr.Wrap(corerr.CodeInvalidArgument, "action.Execute", err, "invalid arguments for %q", action)
	}
	if e.overlay != nil {
		if err := e.overlay.check(action, args); err != nil {
			return nil, corerr.Wrap(corerr.CodeInvalidArgument, "action.Execute", err, "action %q rejected by schema overlay", action)
		}
	}
	return h.run(ctx, ops, pageID, sessionID, args)
}

// Names returns the fixed set of supported action names, used by the
// catalog introspection operation (§6.3).
func (e *Executor) Names() []string {
	names := make([]string, 0, len(e.table))
	for name := range e.table {
		names = append(names, name)
	}
	return names
}
