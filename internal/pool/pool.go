// Package pool keeps a bounded set of reusable outbound transports keyed by
// endpoint.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bronisync/internal/domain"
	"bronisync/internal/models"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("connection pool is closed")

type Config struct {
	MaxSize           int
	ConnectionTimeout time.Duration
	KeepAlive         time.Duration
}

// Conn is a connection checked out of the pool. It must be released exactly
// once by its owner.
type Conn struct {
	EndpointKey  string
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount uint

	handle   Handle
	pool     *Pool
	pooled   bool
	inUse    bool
	broken   bool
	released bool
}

// Handle returns the underlying transport.
func (c *Conn) Handle() Handle { return c.handle }

// Pooled reports whether the connection goes back to the pool on release.
func (c *Conn) Pooled() bool { return c.pooled }

// MarkBroken makes Release discard the connection.
func (c *Conn) MarkBroken() {
	c.pool.mu.Lock()
	c.broken = true
	c.pool.mu.Unlock()
}

// Release returns a pooled connection or closes a transient one.
func (c *Conn) Release() {
	c.pool.release(c)
}

type Stats struct {
	Size    int `json:"size"`
	InUse   int `json:"in_use"`
	MaxSize int `json:"max_size"`
	Created int `json:"created"`
	Reused  int `json:"reused"`
	Evicted int `json:"evicted"`
}

type Pool struct {
	mu      sync.Mutex
	cfg     Config
	dial    Dialer
	entries map[string]*Conn
	stats   Stats
	closed  bool

	logger  *zerolog.Logger
	metrics domain.MetricsSink
	now     func() time.Time
}

// New builds a pool. A nil dial creates HTTP handles.
func New(cfg Config, dial Dialer, logger *zerolog.Logger, metrics domain.MetricsSink) *Pool {
	if cfg.MaxSize < 0 {
		cfg.MaxSize = 0
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = models.DefaultConnectionTimeout * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = models.DefaultKeepAliveTimeout * time.Second
	}
	if dial == nil {
		dial = HTTPDialer(cfg.ConnectionTimeout)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if metrics == nil {
		metrics = domain.NopMetrics{}
	}
	return &Pool{
		cfg:     cfg,
		dial:    dial,
		entries: make(map[string]*Conn),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Acquire returns a valid connection for key. A pooled entry that is already
// checked out is never shared: the caller gets a transient connection instead.
func (p *Pool) Acquire(ctx context.Context, key string) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	now := p.now()
	if conn, ok := p.entries[key]; ok && !conn.inUse {
		if p.valid(conn, now) {
			conn.inUse = true
			conn.released = false
			conn.LastUsedAt = now
			conn.RequestCount++
			p.stats.Reused++
			return conn, nil
		}
		p.evict(conn, "invalid")
	}

	handle, err := p.dial(key)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	p.stats.Created++

	conn := &Conn{
		EndpointKey:  key,
		CreatedAt:    now,
		LastUsedAt:   now,
		RequestCount: 1,
		handle:       handle,
		pool:         p,
		inUse:        true,
	}

	if _, taken := p.entries[key]; !taken && len(p.entries) < p.cfg.MaxSize {
		conn.pooled = true
		p.entries[key] = conn
		p.metrics.SetPoolSize(len(p.entries))
	}

	return conn, nil
}

func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c.released {
		return
	}
	c.released = true
	c.inUse = false

	if !c.pooled {
		c.handle.Close()
		return
	}
	switch {
	case c.broken:
		p.evict(c, "broken")
	case p.closed:
		p.evict(c, "closed")
	}
}

// Cleanup closes and evicts every idle invalid entry. It returns the number
// of evicted entries.
func (p *Pool) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for _, conn := range p.entries {
		if conn.inUse || p.valid(conn, now) {
			continue
		}
		p.evict(conn, "cleanup")
		removed++
	}
	if removed > 0 {
		p.logger.Debug().Int("evicted", removed).Int("size", len(p.entries)).Msg("Connection pool cleaned up")
	}
	return removed
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Size = len(p.entries)
	s.MaxSize = p.cfg.MaxSize
	for _, conn := range p.entries {
		if conn.inUse {
			s.InUse++
		}
	}
	return s
}

// Close evicts all idle entries; checked-out ones are closed on release.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for _, conn := range p.entries {
		if !conn.inUse {
			p.evict(conn, "closed")
		}
	}
}

// Run calls Cleanup every interval until ctx is done.
func (p *Pool) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cleanup()
		}
	}
}

// valid must be called with mu held.
func (p *Pool) valid(c *Conn, now time.Time) bool {
	return !c.broken && now.Sub(c.CreatedAt) < p.cfg.KeepAlive && c.handle.Usable()
}

// evict must be called with mu held.
func (p *Pool) evict(c *Conn, reason string) {
	if p.entries[c.EndpointKey] == c {
		delete(p.entries, c.EndpointKey)
	}
	c.handle.Close()
	p.stats.Evicted++
	p.metrics.SetPoolSize(len(p.entries))
	p.logger.Debug().Str("endpoint", c.EndpointKey).Str("reason", reason).Msg("Connection evicted")
}
