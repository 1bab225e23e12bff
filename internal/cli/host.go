package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"taintbox/internal/config"
	"taintbox/internal/demo"
	"taintbox/internal/storage"
	"taintbox/pkg/backend"
	"taintbox/pkg/backend/jsvm"
	"taintbox/pkg/backend/noop"
	"taintbox/pkg/backend/wasm"
	"taintbox/pkg/sandbox"

	"github.com/rs/zerolog"
)

// builtinLibrary is the name of the guest library compiled into the binary
// for the noop backend.
const builtinLibrary = "demo"

// libraryInfo identifies the guest library a backend was built from.
type libraryInfo struct {
	Backend string
	Name    string
	Path    string
	Digest  string
}

// host builds sandboxes for the configured backend and owns the engine
// runtimes they share.
type host struct {
	cli     *CLIContext
	cfg     *config.Config
	logger  zerolog.Logger
	libDir  string
	guest   io.Writer
	jsRT    *jsvm.Runtime
	loader  *jsvm.Loader
	wasmRT  *wasm.Runtime
	modules []*wasm.Module
}

func newHost(ctx context.Context, c *CLIContext, guestOut io.Writer) (*host, error) {
	libDir, err := config.ExpandPath(c.Config.Sandbox.LibraryDir)
	if err != nil {
		return nil, err
	}
	h := &host{
		cli:    c,
		cfg:    c.Config,
		logger: c.Log(),
		libDir: libDir,
		guest:  guestOut,
	}

	switch h.cfg.Sandbox.Backend {
	case config.BackendJSVM:
		h.jsRT = jsvm.NewRuntime(jsvm.PoolConfig{
			MaxSize:        h.cfg.JSVM.PoolSize,
			Warm:           h.cfg.JSVM.Warm,
			IdleTimeout:    h.cfg.JSVM.IdleTimeout,
			AcquireTimeout: h.cfg.JSVM.AcquireTimeout,
		}, h.logger)
		h.loader = jsvm.NewLoader(libDir, h.logger.With().Str("component", "loader").Logger())
		if err := h.loader.Load(); err != nil {
			h.Close(ctx)
			return nil, err
		}
		if h.cfg.JSVM.Watch {
			if err := h.loader.Watch(); err != nil {
				h.logger.Warn().Err(err).Msg("library watch disabled")
			}
		}
	case config.BackendWasm:
		h.wasmRT, err = wasm.NewRuntime(ctx, wasm.RuntimeConfig{
			MemoryLimitPages: h.cfg.Wasm.MemoryLimitPages,
			WASI:             h.cfg.Wasm.WASI,
		}, h.logger)
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// open builds a backend for the named guest library. For jsvm and wasm the
// name is either a library in the library directory or a path to a .js or
// .wasm file.
func (h *host) open(ctx context.Context, name string) (backend.Backend, libraryInfo, error) {
	info := libraryInfo{Backend: h.cfg.Sandbox.Backend, Name: name}

	switch h.cfg.Sandbox.Backend {
	case config.BackendNoop:
		if name != builtinLibrary {
			return nil, info, fmt.Errorf("noop backend only has the built-in %q library", builtinLibrary)
		}
		info.Digest = "builtin"
		return noop.New(demo.Library(h.guest), noop.Config{MemorySize: h.cfg.Sandbox.MemorySize}), info, nil

	case config.BackendJSVM:
		var lib *jsvm.Library
		var err error
		if strings.HasSuffix(name, ".js") {
			lib, err = jsvm.LoadLibrary(name)
		} else {
			lib, err = h.loader.Get(name)
		}
		if err != nil {
			return nil, info, err
		}
		info.Name, info.Path, info.Digest = lib.Name(), lib.Path(), lib.Digest()
		return h.jsRT.NewBackend(lib, jsvm.Config{
			MemorySize: h.cfg.Sandbox.MemorySize,
			Timeout:    h.cfg.JSVM.Timeout,
		}), info, nil

	case config.BackendWasm:
		path := name
		if !strings.HasSuffix(path, ".wasm") {
			path = filepath.Join(h.libDir, name+".wasm")
		}
		m, err := h.wasmRT.CompileFile(ctx, path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, info, fmt.Errorf("wasm library %q not found at %s", name, path)
			}
			return nil, info, err
		}
		h.modules = append(h.modules, m)
		info.Name, info.Path, info.Digest = m.Name(), m.Path(), m.Digest()
		return h.wasmRT.NewBackend(m, wasm.Config{
			Timeout:  h.cfg.Wasm.Timeout,
			HeapBase: h.cfg.Wasm.HeapBase,
			HostHeap: h.cfg.Wasm.HostHeap,
		}), info, nil
	}
	return nil, info, fmt.Errorf("%w: sandbox.backend %q", config.ErrInvalid, h.cfg.Sandbox.Backend)
}

// newSandbox wraps b with the configured options and creates it.
func (h *host) newSandbox(ctx context.Context, b backend.Backend) (*sandbox.Sandbox, error) {
	recorder, err := h.cli.Recorder()
	if err != nil {
		return nil, err
	}
	opts := []sandbox.Option{
		sandbox.WithLogger(h.logger),
		sandbox.WithAuditor(recorder),
		sandbox.WithMaxCallbacks(h.cfg.Sandbox.MaxCallbacks),
	}
	if h.cfg.Sandbox.SerializeInvocations {
		opts = append(opts, sandbox.WithSerializedInvocations())
	}
	s := sandbox.New(b, opts...)
	if err := s.Create(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// pin records the library digest. A library whose content changed since it
// was last run is reported, since its audit history no longer describes the
// code now running.
func (h *host) pin(info libraryInfo) (storage.PinStatus, error) {
	db, err := h.cli.GetStorage()
	if err != nil {
		return 0, err
	}
	status, err := db.PinLibrary(storage.LibraryPin{
		Backend: info.Backend,
		Name:    info.Name,
		Digest:  info.Digest,
		Path:    info.Path,
	})
	if err != nil {
		return 0, err
	}
	if status == storage.PinChanged {
		h.logger.Warn().
			Str("backend", info.Backend).
			Str("library", info.Name).
			Str("digest", info.Digest).
			Msg("guest library changed since last run")
	}
	return status, nil
}

// Close releases the engine runtimes.
func (h *host) Close(ctx context.Context) {
	if h.loader != nil {
		_ = h.loader.Close()
	}
	if h.jsRT != nil {
		_ = h.jsRT.Close()
	}
	for _, m := range h.modules {
		_ = m.Close(ctx)
	}
	if h.wasmRT != nil {
		_ = h.wasmRT.Close(ctx)
	}
}
