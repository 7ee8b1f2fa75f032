package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolExhausted is returned when no connection becomes available within
// the acquire timeout.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxConns       int
	AcquireTimeout time.Duration
	MaxAge         time.Duration
	IdleTimeout    time.Duration
}

// PooledConn is one checked-out database connection. It is held by exactly
// one caller between Acquire and Release.
type PooledConn struct {
	Conn      *sql.Conn
	createdAt time.Time
	lastUsed  time.Time
}

// Pool hands out bounded, health-checked connections from the store's
// database handle. Connections older than MaxAge are recycled on acquire;
// a background sweep discards connections idle longer than IdleTimeout.
type Pool struct {
	db     *sql.DB
	cfg    PoolConfig
	logger *slog.Logger

	mu     sync.Mutex
	idle   []*PooledConn
	closed bool

	// sem bounds the number of checked-out connections. Idle connections
	// hold no slot; sql.DB's own MaxOpenConns is the hard cap on handles.
	sem chan struct{}

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// NewPool creates a pool over the store's database and starts the idle
// sweep.
func NewPool(store *Store, cfg PoolConfig) *Pool {
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	p := &Pool{
		db:        store.DB(),
		cfg:       cfg,
		logger:    slog.Default(),
		sem:       make(chan struct{}, cfg.MaxConns),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Acquire returns a healthy connection, reusing an idle one when possible.
// It blocks up to the configured acquire timeout when all slots are taken,
// then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: no connection within %v", ErrPoolExhausted, p.cfg.AcquireTimeout)
	}

	// Slot held from here on; give it back on every failure path.
	for {
		pc := p.popIdle()
		if pc == nil {
			break
		}
		if p.expired(pc, time.Now()) {
			pc.Conn.Close()
			continue
		}
		if err := pc.Conn.PingContext(ctx); err != nil {
			p.logger.Warn("discarding unhealthy pooled connection", "error", err)
			pc.Conn.Close()
			continue
		}
		pc.lastUsed = time.Now()
		return pc, nil
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		<-p.sem
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	now := time.Now()
	return &PooledConn{Conn: conn, createdAt: now, lastUsed: now}, nil
}

// Release returns a connection to the idle set, or discards it when the
// caller saw a connection-level failure or the connection aged out. Either
// way the slot is freed so a replacement can be opened on the next Acquire.
func (p *Pool) Release(pc *PooledConn, healthy bool) {
	if pc == nil {
		return
	}
	defer func() { <-p.sem }()

	pc.lastUsed = time.Now()
	if !healthy || p.expired(pc, pc.lastUsed) {
		pc.Conn.Close()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		pc.Conn.Close()
		return
	}
	p.idle = append(p.idle, pc)
}

func (p *Pool) popIdle() *PooledConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil
	}
	pc := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return pc
}

func (p *Pool) expired(pc *PooledConn, now time.Time) bool {
	return p.cfg.MaxAge > 0 && now.Sub(pc.createdAt) > p.cfg.MaxAge
}

// sweep periodically discards connections idle longer than IdleTimeout so
// stale handles do not accumulate across a long, intermittently busy run.
func (p *Pool) sweep() {
	defer close(p.sweepDone)

	interval := p.cfg.IdleTimeout / 2
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepOnce(time.Now())
		}
	}
}

func (p *Pool) sweepOnce(now time.Time) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	var kept []*PooledConn
	var stale []*PooledConn
	for _, pc := range p.idle {
		if now.Sub(pc.lastUsed) > p.cfg.IdleTimeout || p.expired(pc, now) {
			stale = append(stale, pc)
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, pc := range stale {
		pc.Conn.Close()
	}
	if len(stale) > 0 {
		p.logger.Debug("swept idle connections", "count", len(stale))
	}
}

// Close stops the sweep and closes all idle connections. Checked-out
// connections are closed by their holders via Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone
	for _, pc := range idle {
		pc.Conn.Close()
	}
}
