package jsvm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeScript(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoaderLoad(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "math.js", `function add(a, b) { return a + b; }`)
	writeScript(t, dir, "broken.js", `function (`)
	writeScript(t, dir, "notes.txt", `not a library`)

	loader := NewLoader(dir, zerolog.Nop())
	defer loader.Close()
	if err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	libs := loader.Libraries()
	if len(libs) != 1 || libs[0].Name() != "math" {
		t.Fatalf("Expected only the math library, got %d libraries", len(libs))
	}
	if _, err := loader.Get("math"); err != nil {
		t.Errorf("Get(math) failed: %v", err)
	}
	if _, err := loader.Get("broken"); !errors.Is(err, ErrLibraryNotFound) {
		t.Errorf("Expected ErrLibraryNotFound for broken, got %v", err)
	}
}

func TestLoaderMissingDirectory(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())
	if err := loader.Load(); err != nil {
		t.Fatalf("Load on missing directory should not fail: %v", err)
	}
	if n := len(loader.Libraries()); n != 0 {
		t.Errorf("Expected no libraries, got %d", n)
	}
}

func TestLoaderSkipsUnchangedReload(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "math.js", `function add(a, b) { return a + b; }`)

	loader := NewLoader(dir, zerolog.Nop())
	defer loader.Close()
	if err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	before, _ := loader.Get("math")

	loader.mu.Lock()
	changed, err := loader.loadLocked(path)
	loader.mu.Unlock()
	if err != nil {
		t.Fatalf("loadLocked failed: %v", err)
	}
	if changed {
		t.Error("Reloading identical source should report no change")
	}
	after, _ := loader.Get("math")
	if before != after {
		t.Error("Unchanged library should keep its compiled program")
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "math.js", `function add(a, b) { return a + b; }`)

	loader := NewLoader(dir, zerolog.Nop())
	defer loader.Close()
	if err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	original, _ := loader.Get("math")
	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeScript(t, dir, "math.js", `function add(a, b) { return a + b + 0; }`)
	waitFor(t, func() bool {
		lib, err := loader.Get("math")
		return err == nil && lib.Digest() != original.Digest()
	})

	writeScript(t, dir, "extra.js", `function f() { return 1; }`)
	waitFor(t, func() bool {
		_, err := loader.Get("extra")
		return err == nil
	})

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	waitFor(t, func() bool {
		_, err := loader.Get("math")
		return errors.Is(err, ErrLibraryNotFound)
	})
}

func TestLoaderWatchAfterClose(t *testing.T) {
	loader := NewLoader(t.TempDir(), zerolog.Nop())
	if err := loader.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := loader.Watch(); err == nil {
		t.Error("Watch after Close should fail")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
