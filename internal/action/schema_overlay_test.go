package action

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeOverlayFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "actions.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write overlay file: %v", err)
	}
	return path
}

func TestOverlayNoPathIsUnrestricted(t *testing.T) {
	o, err := NewOverlay("", false)
	if err != nil {
		t.Fatalf("NewOverlay: %v", err)
	}
	if err := o.check("navigate", Args{"url": "https://example.com"}); err != nil {
		t.Fatalf("expected no-path overlay to allow everything, got %v", err)
	}
}

func TestOverlayDisablesAction(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlayFile(t, dir, "actions:\n  pdf:\n    disabled: true\n")

	o, err := NewOverlay(path, false)
	if err != nil {
		t.Fatalf("NewOverlay: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if err := o.check("pdf", Args{}); err == nil {
		t.Fatal("expected disabled action to be rejected")
	}
	if err := o.check("navigate", Args{"url": "https://example.com"}); err != nil {
		t.Fatalf("expected unrelated action to remain allowed, got %v", err)
	}
}

func TestOverlayRestrictsFields(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlayFile(t, dir, "actions:\n  navigate:\n    allowFields: [\"url\"]\n")

	o, err := NewOverlay(path, false)
	if err != nil {
		t.Fatalf("NewOverlay: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if err := o.check("navigate", Args{"url": "https://example.com"}); err != nil {
		t.Fatalf("expected allowed field to pass, got %v", err)
	}
	if err := o.check("navigate", Args{"url": "https://example.com", "referer": "https://x"}); err == nil {
		t.Fatal("expected restricted field to be rejected")
	}
}

func TestOverlayReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlayFile(t, dir, "actions: {}\n")

	o, err := NewOverlay(path, false)
	if err != nil {
		t.Fatalf("NewOverlay: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	if err := o.check("click", Args{"selector": "#x"}); err != nil {
		t.Fatalf("expected click to be allowed before reload, got %v", err)
	}

	if err := os.WriteFile(path, []byte("actions:\n  click:\n    disabled: true\n"), 0o644); err != nil {
		t.Fatalf("rewrite overlay file: %v", err)
	}
	if err := o.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if err := o.check("click", Args{"selector": "#x"}); err == nil {
		t.Fatal("expected click to be disabled after reload")
	}
}

func TestExecutorRejectsDisabledAction(t *testing.T) {
	dir := t.TempDir()
	path := writeOverlayFile(t, dir, "actions:\n  pdf:\n    disabled: true\n")

	o, err := NewOverlay(path, false)
	if err != nil {
		t.Fatalf("NewOverlay: %v", err)
	}
	t.Cleanup(func() { o.Close() })

	e := NewWithOverlay(o)
	if _, ok := e.table["pdf"]; !ok {
		t.Fatal("expected pdf handler to still be registered in the table")
	}
	_, err = e.Execute(context.Background(), nil, "pdf", "page1", "session1", Args{})
	if err == nil {
		t.Fatal("expected overlay-disabled action to fail")
	}
}
