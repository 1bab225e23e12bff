package jsvm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// PoolConfig holds configuration for the VM pool.
type PoolConfig struct {
	// MaxSize is the maximum number of VMs checked out at once.
	MaxSize int
	// Warm is the number of fresh VMs kept ready for Acquire.
	Warm int
	// IdleTimeout is the duration after which a warm VM is evicted.
	IdleTimeout time.Duration
	// AcquireTimeout is the maximum time to wait for a VM.
	AcquireTimeout time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:        16,
		Warm:           2,
		IdleTimeout:    5 * time.Minute,
		AcquireTimeout: 5 * time.Second,
	}
}

// vmInstance wraps a goja.Runtime with metadata.
type vmInstance struct {
	vm        *goja.Runtime
	createdAt time.Time
}

func (v *vmInstance) isExpired(idleTimeout time.Duration) bool {
	return time.Since(v.createdAt) > idleTimeout
}

// VMPool hands out goja runtimes. A runtime that has run guest code is
// never handed out again: Release retires it and the pool tops up its warm
// set with fresh runtimes in the background, so no guest state survives
// from one sandbox into the next.
type VMPool struct {
	warm           chan *vmInstance
	slots          chan struct{}
	idleTimeout    time.Duration
	acquireTimeout time.Duration
	created        atomic.Int64
	retired        atomic.Int64

	mu       sync.Mutex
	closed   bool
	closedCh chan struct{}
	refill   chan struct{}
	wg       sync.WaitGroup
}

// NewVMPool creates a new VM pool with the given configuration.
func NewVMPool(cfg PoolConfig) *VMPool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 16
	}
	if cfg.Warm < 0 {
		cfg.Warm = 0
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}

	p := &VMPool{
		warm:           make(chan *vmInstance, cfg.Warm),
		slots:          make(chan struct{}, cfg.MaxSize),
		idleTimeout:    cfg.IdleTimeout,
		acquireTimeout: cfg.AcquireTimeout,
		closedCh:       make(chan struct{}),
		refill:         make(chan struct{}, 1),
	}

	p.wg.Add(1)
	go p.maintainLoop()
	p.requestRefill()

	return p
}

// Acquire checks out a fresh VM. It blocks until a slot is free, the
// context is done, or the acquire timeout passes.
func (p *VMPool) Acquire(ctx context.Context) (*goja.Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrVMPoolExhausted
	case <-timer.C:
		return nil, ErrVMPoolExhausted
	case <-p.closedCh:
		return nil, ErrPoolClosed
	}

	select {
	case inst := <-p.warm:
		if !inst.isExpired(p.idleTimeout) {
			p.requestRefill()
			return inst.vm, nil
		}
		p.retired.Add(1)
	default:
	}
	p.requestRefill()
	return p.newVM().vm, nil
}

// Release retires a VM obtained from Acquire.
func (p *VMPool) Release(vm *goja.Runtime) {
	if vm == nil {
		return
	}
	p.retired.Add(1)

	select {
	case <-p.slots:
	default:
	}
	p.requestRefill()
}

// Close shuts down the pool and drops the warm VMs.
func (p *VMPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case <-p.warm:
			p.retired.Add(1)
		default:
			return nil
		}
	}
}

func (p *VMPool) newVM() *vmInstance {
	p.created.Add(1)
	return &vmInstance{vm: goja.New(), createdAt: time.Now()}
}

func (p *VMPool) requestRefill() {
	select {
	case p.refill <- struct{}{}:
	default:
	}
}

// maintainLoop keeps the warm set topped up and evicts stale VMs.
func (p *VMPool) maintainLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.refill:
			p.topUp()
		case <-ticker.C:
			p.evictExpired()
			p.topUp()
		case <-p.closedCh:
			return
		}
	}
}

func (p *VMPool) topUp() {
	for len(p.warm) < cap(p.warm) {
		inst := p.newVM()
		select {
		case p.warm <- inst:
		default:
			p.retired.Add(1)
			return
		}
	}
}

// evictExpired drops warm VMs that have sat unused past the idle timeout.
func (p *VMPool) evictExpired() {
	n := len(p.warm)
	for i := 0; i < n; i++ {
		select {
		case inst := <-p.warm:
			if inst.isExpired(p.idleTimeout) {
				p.retired.Add(1)
				continue
			}
			select {
			case p.warm <- inst:
			default:
				p.retired.Add(1)
			}
		default:
			return
		}
	}
}

// Stats returns current pool statistics.
func (p *VMPool) Stats() PoolStats {
	return PoolStats{
		MaxSize:     cap(p.slots),
		Active:      len(p.slots),
		Warm:        len(p.warm),
		Created:     int(p.created.Load()),
		Retired:     int(p.retired.Load()),
		IdleTimeout: p.idleTimeout,
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	MaxSize     int
	Active      int
	Warm        int
	Created     int
	Retired     int
	IdleTimeout time.Duration
}
