package txbtree

import (
	"time"

	"go.uber.org/zap"
)

// DefaultPageSize is the fixed size, in bytes, of every data page.
// Configurable for tests (spec.md §3 "Page").
const DefaultPageSize = 4096

// DefaultBufferPoolCapacity is the default number of pages the buffer
// pool will cache at once.
const DefaultBufferPoolCapacity = 50

// DefaultLockTimeout is the fixed per-acquisition timeout before a
// waiting lock request aborts its transaction (spec.md §4.1).
const DefaultLockTimeout = 500 * time.Millisecond

// DefaultLockJitter bounds the randomized jitter added to
// DefaultLockTimeout so that two transactions deadlocked on each other
// do not both abort at the same instant (spec.md §4.1).
const DefaultLockJitter = 100 * time.Millisecond

// Config bundles the tunables of an engine instance. Built with
// functional options, the way the teacher builds a BufferPool and
// HeapFile from explicit constructor arguments rather than from
// package-level state (spec.md §9 "Global state").
type Config struct {
	PageSize       int
	BufferPoolCap  int
	LockTimeout    time.Duration
	LockJitter     time.Duration
	Logger         *zap.Logger
	MembershipFilterEnabled bool
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithPageSize overrides DefaultPageSize. Used by tests that want
// small pages to exercise splits with few tuples.
func WithPageSize(n int) Option {
	return func(c *Config) { c.PageSize = n }
}

// WithBufferPoolCapacity overrides DefaultBufferPoolCapacity.
func WithBufferPoolCapacity(n int) Option {
	return func(c *Config) { c.BufferPoolCap = n }
}

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Config) { c.LockTimeout = d }
}

// WithLockJitter overrides DefaultLockJitter.
func WithLockJitter(d time.Duration) Option {
	return func(c *Config) { c.LockJitter = d }
}

// WithLogger installs a *zap.Logger. Defaults to zap.NewNop() so the
// engine is silent unless a caller opts in.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithMembershipFilterDisabled turns off the advisory leaf-page bloom
// filter (SPEC_FULL.md §3.1), e.g. for tests asserting exact scan
// counts against the filter's own false-positive path.
func WithMembershipFilterDisabled() Option {
	return func(c *Config) { c.MembershipFilterEnabled = false }
}

// NewConfig applies opts over the documented defaults.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		PageSize:                DefaultPageSize,
		BufferPoolCap:           DefaultBufferPoolCapacity,
		LockTimeout:             DefaultLockTimeout,
		LockJitter:              DefaultLockJitter,
		Logger:                  zap.NewNop(),
		MembershipFilterEnabled: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
