package db

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"geoingest/internal/ingesterrors"
	"geoingest/internal/logging"
	"geoingest/internal/secrets"
)

const DefaultCredentialsTTL = 15 * time.Minute

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	// CredentialsTTL bounds how long one pool lives before credentials are
	// resolved again and a fresh pool is opened.
	CredentialsTTL time.Duration
}

// Opener opens a gorm handle for a DSN and must give up once ctx is done.
// Tests swap it for sqlite.
type Opener func(ctx context.Context, dsn string) (*gorm.DB, error)

// OpenPostgres opens a pool and checks it with one ping bounded by ctx.
func OpenPostgres(ctx context.Context, dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

type pool struct {
	db          *gorm.DB
	fingerprint string
	openedAt    time.Time
	refs        int
	retired     bool
}

// Connector hands out pooled PostGIS handles keyed by the fingerprint of the
// resolved credentials. A pool is retired on credential rotation or after
// CredentialsTTL; retired pools close once their last user releases them.
type Connector struct {
	resolver secrets.Resolver
	open     Opener
	opts     PoolOptions
	now      func() time.Time
	log      *logging.Logger

	mu      sync.Mutex
	current *pool
	// opening is closed when the in-flight open finishes.
	opening chan struct{}
}

func NewConnector(resolver secrets.Resolver, open Opener, opts PoolOptions) *Connector {
	if open == nil {
		open = OpenPostgres
	}
	if opts.CredentialsTTL <= 0 {
		opts.CredentialsTTL = DefaultCredentialsTTL
	}
	return &Connector{
		resolver: resolver,
		open:     open,
		opts:     opts,
		now:      time.Now,
		log:      logging.Default().With("db"),
	}
}

// WithConn runs fn with a PostGIS handle. The handle must not be used after fn
// returns.
func (c *Connector) WithConn(ctx context.Context, fn func(*gorm.DB) error) error {
	gdb, release, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = fn(gdb.WithContext(ctx))
	if isAuthFailure(err) {
		c.log.Warnf("database rejected credentials; invalidating cached secret")
		c.resolver.Invalidate()
		c.retireCurrent()
	}
	return err
}

// Acquire returns a handle and its release func. Release must be called exactly
// once. Only one caller opens a pool at a time; the others wait for it until
// their own ctx is done.
func (c *Connector) Acquire(ctx context.Context) (*gorm.DB, func(), error) {
	creds, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, nil, err
	}
	fingerprint := creds.Fingerprint()

	for {
		c.mu.Lock()
		if p := c.current; p != nil {
			switch {
			case p.fingerprint != fingerprint:
				c.log.Infof("database credentials rotated; recycling pool")
				c.retireLocked(p)
			case c.now().Sub(p.openedAt) >= c.opts.CredentialsTTL:
				c.log.Debugf("database pool reached credentials ttl; recycling")
				c.retireLocked(p)
			}
		}
		if p := c.current; p != nil {
			handle, release := c.checkoutLocked(p)
			c.mu.Unlock()
			return handle, release, nil
		}
		if wait := c.opening; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, nil, ingesterrors.Wrap(ingesterrors.KindTimeout, "wait for database pool", ctx.Err())
			}
		}
		done := make(chan struct{})
		c.opening = done
		c.mu.Unlock()

		p, err := c.openPool(ctx, creds, fingerprint)

		c.mu.Lock()
		c.opening = nil
		close(done)
		if err != nil {
			c.mu.Unlock()
			return nil, nil, err
		}
		if c.current != nil {
			c.retireLocked(c.current)
		}
		c.current = p
		handle, release := c.checkoutLocked(p)
		c.mu.Unlock()
		return handle, release, nil
	}
}

func (c *Connector) openPool(ctx context.Context, creds secrets.Credentials, fingerprint string) (*pool, error) {
	gdb, err := c.open(ctx, creds.DSN())
	if err != nil {
		switch {
		case isAuthFailure(err):
			c.resolver.Invalidate()
			return nil, ingesterrors.Wrap(ingesterrors.KindCredentialUnavailable, "database rejected credentials", err)
		case ctx.Err() != nil:
			return nil, ingesterrors.Wrap(ingesterrors.KindTimeout, "connect to "+creds.String(), err)
		}
		return nil, ingesterrors.Wrap(ingesterrors.KindStorageUnavailable, "connect to "+creds.String(), err)
	}
	if err := c.configure(gdb); err != nil {
		closePool(&pool{db: gdb})
		return nil, ingesterrors.Wrap(ingesterrors.KindStorageUnavailable, "configure pool", err)
	}
	return &pool{db: gdb, fingerprint: fingerprint, openedAt: c.now()}, nil
}

func (c *Connector) checkoutLocked(p *pool) (*gorm.DB, func()) {
	p.refs++
	var once sync.Once
	return p.db, func() {
		once.Do(func() { c.release(p) })
	}
}

// Ping runs a single round trip and returns the server version string.
func (c *Connector) Ping(ctx context.Context) (string, error) {
	var version string
	err := c.WithConn(ctx, func(gdb *gorm.DB) error {
		return gdb.Raw("SELECT version()").Scan(&version).Error
	})
	if err != nil {
		if ingesterrors.Is(err, ingesterrors.KindUnknown) {
			kind := ingesterrors.KindStorageUnavailable
			if ctx.Err() != nil {
				kind = ingesterrors.KindTimeout
			}
			return "", ingesterrors.Wrap(kind, "database ping", err)
		}
		return "", err
	}
	return version, nil
}

func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.retireLocked(c.current)
	}
	return nil
}

func (c *Connector) configure(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	if c.opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(c.opts.MaxOpenConns)
	}
	if c.opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(c.opts.MaxIdleConns)
	}
	if c.opts.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(c.opts.ConnMaxIdleTime)
	}
	sqlDB.SetConnMaxLifetime(c.opts.CredentialsTTL)
	return nil
}

func (c *Connector) retireCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		c.retireLocked(c.current)
	}
}

func (c *Connector) retireLocked(p *pool) {
	p.retired = true
	if c.current == p {
		c.current = nil
	}
	if p.refs == 0 {
		closePool(p)
	}
}

func (c *Connector) release(p *pool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.refs--
	if p.retired && p.refs == 0 {
		closePool(p)
	}
}

func closePool(p *pool) {
	if sqlDB, err := p.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "28P01" || pgErr.Code == "28000"
	}
	return strings.Contains(strings.ToLower(err.Error()), "password authentication failed")
}
