package jsvm

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/zeebo/blake3"
)

// Library is a compiled guest script. Every top-level function it declares
// is a guest function callable by name. The compiled program is shared by
// every sandbox created from the library.
type Library struct {
	name    string
	path    string
	digest  [32]byte
	program *goja.Program
}

// NewLibrary compiles source as the guest library name.
func NewLibrary(name, source string) (*Library, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, &ScriptSyntaxError{File: name, Message: err.Error()}
	}
	return &Library{
		name:    name,
		digest:  blake3.Sum256([]byte(source)),
		program: prog,
	}, nil
}

// LoadLibrary reads and compiles a guest library from a .js file. The
// library is named after the file without its extension.
func LoadLibrary(path string) (*Library, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guest library: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	lib, err := NewLibrary(name, string(src))
	if err != nil {
		return nil, err
	}
	lib.path = path
	return lib, nil
}

// Name returns the library name.
func (l *Library) Name() string { return l.name }

// Path returns the file the library was loaded from, if any.
func (l *Library) Path() string { return l.path }

// Digest returns the BLAKE3 digest of the library source, hex encoded.
func (l *Library) Digest() string { return hex.EncodeToString(l.digest[:]) }
