// Package broker hands out per-tenant database connection pools. Pools are
// created lazily on first use, shared by every caller for the same tenant,
// and torn down on invalidation or shutdown.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/teresa-solution/clinic-tenant-broker/internal/errs"
	"github.com/teresa-solution/clinic-tenant-broker/internal/model"
	"github.com/teresa-solution/clinic-tenant-broker/internal/monitoring"
)

// Pool is a live connection pool to one tenant database.
type Pool interface {
	Ping(ctx context.Context) error
	Close() error
}

// Adapter builds and probes pools for one database engine.
type Adapter interface {
	Connect(ctx context.Context, cfg model.TenantConfig) (Pool, error)
	Probe(ctx context.Context, p Pool) error
}

// ConfigSource looks up tenant configurations. It must return a
// KindNotFound error for unknown tenants.
type ConfigSource interface {
	Get(ctx context.Context, tenantID string) (*model.TenantConfig, error)
}

// CredentialResolver turns a password reference into a password.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// PoolHandle is the cached, shared pool for a tenant.
type PoolHandle struct {
	TenantID  string
	Engine    model.Engine
	Pool      Pool
	CreatedAt time.Time
}

// Stats is a point-in-time snapshot of the broker.
type Stats struct {
	EverResolved   int      `json:"ever_resolved"`
	ActivePools    int      `json:"active_pools"`
	Failing        int      `json:"failing"`
	FailingTenants []string `json:"failing_tenants"`
}

// Options tunes a Broker. Zero values select defaults.
type Options struct {
	Adapters        map[model.Engine]Adapter
	Credentials     CredentialResolver
	ConnectTimeout  time.Duration
	FailureCooldown time.Duration
	Now             func() time.Time
}

// Broker caches one pool per tenant.
type Broker struct {
	source         ConfigSource
	adapters       map[model.Engine]Adapter
	creds          CredentialResolver
	connectTimeout time.Duration
	cooldown       time.Duration
	now            func() time.Time

	group singleflight.Group

	mu       sync.RWMutex
	pools    map[string]*PoolHandle
	gens     map[string]uint64
	failing  map[string]time.Time
	resolved map[string]struct{}
	closing  map[string]chan struct{}
	closed   bool
}

// New creates a Broker reading tenant configurations from source.
func New(source ConfigSource, opts Options) *Broker {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Adapters == nil {
		opts.Adapters = DefaultAdapters(PoolSettings{})
	}
	return &Broker{
		source:         source,
		adapters:       opts.Adapters,
		creds:          opts.Credentials,
		connectTimeout: opts.ConnectTimeout,
		cooldown:       opts.FailureCooldown,
		now:            opts.Now,
		pools:          make(map[string]*PoolHandle),
		gens:           make(map[string]uint64),
		failing:        make(map[string]time.Time),
		resolved:       make(map[string]struct{}),
		closing:        make(map[string]chan struct{}),
	}
}

// Resolve returns the pool for tenantID, creating it on first use.
// Concurrent callers for the same tenant share a single construction.
func (b *Broker) Resolve(ctx context.Context, tenantID string) (*PoolHandle, error) {
	const op = "broker.Resolve"
	if tenantID == "" {
		return nil, errs.BadRequest(op, "tenant id is required")
	}

	b.mu.RLock()
	closed := b.closed
	h, ok := b.pools[tenantID]
	failedAt, failing := b.failing[tenantID]
	b.mu.RUnlock()

	if closed {
		return nil, errs.Connection(op, nil, "broker is shut down")
	}
	if ok {
		monitoring.BrokerResolves.WithLabelValues(monitoring.OutcomeHit).Inc()
		return h, nil
	}
	if failing && b.cooldown > 0 && b.now().Sub(failedAt) < b.cooldown {
		monitoring.BrokerResolves.WithLabelValues(monitoring.OutcomeCooldown).Inc()
		return nil, errs.Connection(op, nil, "tenant %q connection failed recently", tenantID)
	}

	ch := b.group.DoChan(tenantID, func() (any, error) {
		return b.connect(tenantID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*PoolHandle), nil
	case <-ctx.Done():
		return nil, errs.Connection(op, ctx.Err(), "waiting for tenant %q pool", tenantID)
	}
}

// connect runs once per in-flight tenant. It is detached from any caller's
// context so an abandoned waiter does not cancel construction for the others.
func (b *Broker) connect(tenantID string) (*PoolHandle, error) {
	const op = "broker.connect"
	ctx, cancel := context.WithTimeout(context.Background(), b.connectTimeout)
	defer cancel()

	for {
		b.mu.RLock()
		gen := b.gens[tenantID]
		wait := b.closing[tenantID]
		b.mu.RUnlock()

		// A pool being invalidated must be fully closed before its replacement opens.
		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, errs.Connection(op, ctx.Err(), "waiting for tenant %q pool to close", tenantID)
			}
		}

		pool, engine, err := b.open(ctx, tenantID)
		if err != nil {
			return nil, err
		}

		h, retry, err := b.commit(tenantID, gen, engine, pool)
		if retry {
			log.Debug().Str("tenant_id", tenantID).Msg("Tenant invalidated during connect, retrying")
			continue
		}
		return h, err
	}
}

func (b *Broker) open(ctx context.Context, tenantID string) (Pool, model.Engine, error) {
	const op = "broker.open"

	cfg, err := b.source.Get(ctx, tenantID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			monitoring.BrokerResolves.WithLabelValues(monitoring.OutcomeNotFound).Inc()
		} else {
			monitoring.BrokerResolves.WithLabelValues(monitoring.OutcomeFailed).Inc()
		}
		return nil, "", err
	}

	adapter, ok := b.adapters[cfg.Engine]
	if !ok {
		err := errs.Connection(op, nil, "unsupported engine %q for tenant %q", cfg.Engine, tenantID)
		b.fail(tenantID, cfg.Engine, err)
		return nil, "", err
	}

	if cfg.PasswordRef != "" {
		if b.creds == nil {
			err := errs.Connection(op, nil, "tenant %q uses a password reference but no resolver is configured", tenantID)
			b.fail(tenantID, cfg.Engine, err)
			return nil, "", err
		}
		password, err := b.creds.Resolve(ctx, cfg.PasswordRef)
		if err != nil {
			err = errs.Connection(op, err, "resolve credentials for tenant %q", tenantID)
			b.fail(tenantID, cfg.Engine, err)
			return nil, "", err
		}
		cfg.Password = password
	}

	start := time.Now()
	pool, err := adapter.Connect(ctx, *cfg)
	if err != nil {
		err = errs.Connection(op, err, "connect to tenant %q database", tenantID)
		b.fail(tenantID, cfg.Engine, err)
		return nil, "", err
	}
	if err := adapter.Probe(ctx, pool); err != nil {
		closePool(tenantID, pool)
		err = errs.Connection(op, err, "probe tenant %q database", tenantID)
		b.fail(tenantID, cfg.Engine, err)
		return nil, "", err
	}
	monitoring.BrokerConnectDuration.WithLabelValues(string(cfg.Engine)).Observe(time.Since(start).Seconds())
	return pool, cfg.Engine, nil
}

// commit installs pool unless the tenant was invalidated since gen was read,
// in which case the pool is discarded and retry is true.
func (b *Broker) commit(tenantID string, gen uint64, engine model.Engine, pool Pool) (*PoolHandle, bool, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closePool(tenantID, pool)
		return nil, false, errs.Connection("broker.commit", nil, "broker is shut down")
	}
	if b.gens[tenantID] != gen {
		b.mu.Unlock()
		closePool(tenantID, pool)
		return nil, true, nil
	}
	if existing, ok := b.pools[tenantID]; ok {
		b.mu.Unlock()
		closePool(tenantID, pool)
		return existing, false, nil
	}

	h := &PoolHandle{TenantID: tenantID, Engine: engine, Pool: pool, CreatedAt: b.now()}
	b.pools[tenantID] = h
	b.resolved[tenantID] = struct{}{}
	delete(b.failing, tenantID)
	b.updateGaugesLocked()
	b.mu.Unlock()

	monitoring.BrokerResolves.WithLabelValues(monitoring.OutcomeConnect).Inc()
	log.Info().Str("tenant_id", tenantID).Str("engine", string(engine)).Msg("Tenant pool created")
	return h, false, nil
}

func (b *Broker) fail(tenantID string, engine model.Engine, err error) {
	b.mu.Lock()
	b.failing[tenantID] = b.now()
	b.updateGaugesLocked()
	b.mu.Unlock()

	monitoring.BrokerResolves.WithLabelValues(monitoring.OutcomeFailed).Inc()
	log.Error().Err(err).Str("tenant_id", tenantID).Str("engine", string(engine)).Msg("Tenant pool construction failed")
	monitoring.Alert("Tenant database unreachable", map[string]string{
		"tenant_id": tenantID,
		"engine":    string(engine),
	})
}

// Invalidate closes the cached pool for tenantID, if any, so the next
// Resolve builds a fresh one from the current configuration. It returns
// once the old pool is closed.
func (b *Broker) Invalidate(tenantID string) {
	b.mu.Lock()
	h, ok := b.pools[tenantID]
	delete(b.pools, tenantID)
	delete(b.failing, tenantID)
	b.gens[tenantID]++
	var done chan struct{}
	if ok {
		done = make(chan struct{})
		b.closing[tenantID] = done
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	if !ok {
		return
	}

	closePool(tenantID, h.Pool)

	b.mu.Lock()
	if b.closing[tenantID] == done {
		delete(b.closing, tenantID)
	}
	b.mu.Unlock()
	close(done)
	log.Info().Str("tenant_id", tenantID).Msg("Tenant pool invalidated")
}

// Stats returns a snapshot of the cache.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	failing := make([]string, 0, len(b.failing))
	for id := range b.failing {
		failing = append(failing, id)
	}
	sort.Strings(failing)
	return Stats{
		EverResolved:   len(b.resolved),
		ActivePools:    len(b.pools),
		Failing:        len(b.failing),
		FailingTenants: failing,
	}
}

// ActiveTenants lists tenants with a live pool.
func (b *Broker) ActiveTenants() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.pools))
	for id := range b.pools {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ShutdownAll closes every cached pool concurrently. A failing close does
// not stop the others; all failures are returned together. It returns early
// with ctx's error if ctx ends first.
func (b *Broker) ShutdownAll(ctx context.Context) error {
	b.mu.Lock()
	handles := b.pools
	b.pools = make(map[string]*PoolHandle)
	for id := range handles {
		b.gens[id]++
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	var (
		wg     sync.WaitGroup
		resMu  sync.Mutex
		result *multierror.Error
	)
	for id, h := range handles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Pool.Close(); err != nil {
				resMu.Lock()
				result = multierror.Append(result, fmt.Errorf("close pool for tenant %s: %w", id, err))
				resMu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		resMu.Lock()
		result = multierror.Append(result, fmt.Errorf("pool shutdown interrupted: %w", ctx.Err()))
		resMu.Unlock()
	}

	resMu.Lock()
	err := result.ErrorOrNil()
	resMu.Unlock()

	if err != nil {
		log.Error().Err(err).Int("pools", len(handles)).Msg("Tenant pools shut down with errors")
		return err
	}
	log.Info().Int("pools", len(handles)).Msg("Tenant pools shut down")
	return nil
}

// Close stops the broker from handing out pools and shuts every pool down.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.ShutdownAll(ctx)
}

func (b *Broker) updateGaugesLocked() {
	monitoring.BrokerActivePools.Set(float64(len(b.pools)))
	monitoring.BrokerFailingTenants.Set(float64(len(b.failing)))
}

func closePool(tenantID string, p Pool) {
	if err := p.Close(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("Failed to close tenant pool")
	}
}
