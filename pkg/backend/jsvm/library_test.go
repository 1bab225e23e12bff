package jsvm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewLibrary(t *testing.T) {
	lib, err := NewLibrary("math", `function add(a, b) { return a + b; }`)
	if err != nil {
		t.Fatalf("NewLibrary failed: %v", err)
	}
	if lib.Name() != "math" {
		t.Errorf("Expected name 'math', got %q", lib.Name())
	}
	if len(lib.Digest()) != 64 {
		t.Errorf("Expected 64 hex digits, got %q", lib.Digest())
	}

	same, _ := NewLibrary("other", `function add(a, b) { return a + b; }`)
	if same.Digest() != lib.Digest() {
		t.Error("Digest should depend only on the source")
	}
	changed, _ := NewLibrary("math", `function add(a, b) { return b + a; }`)
	if changed.Digest() == lib.Digest() {
		t.Error("Digest should change with the source")
	}
}

func TestNewLibrarySyntaxError(t *testing.T) {
	_, err := NewLibrary("broken", `function (`)
	if !errors.Is(err, ErrScriptSyntax) {
		t.Fatalf("Expected ErrScriptSyntax, got %v", err)
	}
	var syntaxErr *ScriptSyntaxError
	if !errors.As(err, &syntaxErr) || syntaxErr.File != "broken" {
		t.Errorf("Expected ScriptSyntaxError for 'broken', got %v", err)
	}
}

func TestLoadLibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strings.js")
	if err := os.WriteFile(path, []byte(`function len(p) { return 0; }`), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	lib, err := LoadLibrary(path)
	if err != nil {
		t.Fatalf("LoadLibrary failed: %v", err)
	}
	if lib.Name() != "strings" {
		t.Errorf("Expected name 'strings', got %q", lib.Name())
	}
	if lib.Path() != path {
		t.Errorf("Expected path %q, got %q", path, lib.Path())
	}

	if _, err := LoadLibrary(filepath.Join(t.TempDir(), "missing.js")); err == nil {
		t.Error("Expected error for missing file")
	}
}
