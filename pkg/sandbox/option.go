package sandbox

import (
	"github.com/rs/zerolog"

	"taintbox/pkg/backend"
)

// Option configures a Sandbox at construction.
type Option func(*options)

type options struct {
	resolver     Resolver
	logger       zerolog.Logger
	auditor      Auditor
	serialize    bool
	maxCallbacks int
}

func defaultOptions() options {
	return options{
		logger:       zerolog.Nop(),
		maxCallbacks: DefaultMaxCallbacks,
	}
}

// WithStaticSymbols resolves guest functions from a table fixed ahead of
// time. A nil table uses the backend's own static table.
func WithStaticSymbols(table map[string]backend.Symbol) Option {
	cpy := make(map[string]backend.Symbol, len(table))
	for k, v := range table {
		cpy[k] = v
	}
	return func(o *options) {
		if table == nil {
			o.resolver = &staticResolver{}
			return
		}
		o.resolver = &staticResolver{table: cpy, fixed: true}
	}
}

// WithDynamicSymbols resolves guest functions by name through the backend,
// caching each resolved symbol.
func WithDynamicSymbols() Option {
	return func(o *options) {
		o.resolver = &dynamicResolver{}
	}
}

// WithResolver installs a custom symbol resolution strategy. The resolver
// must not be shared between sandboxes.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithSerializedInvocations makes calls into the guest mutually exclusive,
// for handles shared between goroutines. Calls made from inside a callback
// are recognised through their context and do not block.
func WithSerializedInvocations() Option {
	return func(o *options) {
		o.serialize = true
	}
}

// WithLogger sets the logger used for sandbox events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithAuditor sets the receiver of escape-hatch records. The default logs
// them at debug level.
func WithAuditor(a Auditor) Option {
	return func(o *options) {
		o.auditor = a
	}
}

// WithMaxCallbacks bounds the number of live callback registrations.
func WithMaxCallbacks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxCallbacks = n
		}
	}
}
