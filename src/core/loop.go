package core

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cnaize/geofw/src/core/classifier"
	"github.com/cnaize/geofw/src/core/compiler"
	"github.com/cnaize/geofw/src/core/dataplane"
	"github.com/cnaize/geofw/src/core/geodb"
	"github.com/cnaize/geofw/src/core/logger"
	"github.com/cnaize/geofw/src/core/logger/event"
	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/core/policy"
	"github.com/cnaize/geofw/src/core/reconciler"
	"github.com/cnaize/geofw/src/core/source"
	"github.com/cnaize/geofw/src/database"
	"github.com/cnaize/geofw/src/types"
)

const (
	OriginStartup = "startup"
	OriginTick    = "tick"
	OriginWatch   = "watch"
	OriginReload  = "reload"
	OriginAPI     = "api"
)

var ErrBusy = errors.New("refresh in progress")

type LoopConfig struct {
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	StatsInterval   time.Duration
	Verify          bool
	Watch           bool
	LogVerdicts     bool
}

type Status struct {
	Dataplane  string           `json:"dataplane"`
	State      classifier.State `json:"state"`
	Generation uint64           `json:"generation"`
	Default    types.Verdict    `json:"default"`
	EntriesV4  int              `json:"entries_v4"`
	EntriesV6  int              `json:"entries_v6"`
	LastCycle  *types.Cycle     `json:"last_cycle,omitempty"`
	Stats      dataplane.Stats  `json:"stats"`
}

// Loop drives fetch, parse, compile and reconcile cycles and owns the
// classifier attachment.
type Loop struct {
	cfg LoopConfig

	source     source.Source
	cache      *source.Cache
	compiler   atomic.Pointer[compiler.Compiler]
	dataplane  dataplane.Dataplane
	reconciler *reconciler.Reconciler
	hook       *classifier.Hook
	db         *database.Database
	sampler    *logger.Sampler
	logger     *logger.Logger

	pool     *ants.Pool
	busy     atomic.Bool
	triggers chan string

	generation atomic.Uint64
	snapshot   atomic.Pointer[classifier.Snapshot]
	lastCycle  atomic.Pointer[types.Cycle]
}

func NewLoop(
	cfg LoopConfig,
	src source.Source,
	cache *source.Cache,
	comp *compiler.Compiler,
	dp dataplane.Dataplane,
	rec *reconciler.Reconciler,
	db *database.Database,
	sampler *logger.Sampler,
	logger *logger.Logger,
) (*Loop, error) {
	// exactly one cycle at a time
	pool, err := ants.NewPool(1)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	l := &Loop{
		cfg:        cfg,
		source:     src,
		cache:      cache,
		dataplane:  dp,
		reconciler: rec,
		hook:       classifier.NewHook(dp),
		db:         db,
		sampler:    sampler,
		logger:     logger,
		pool:       pool,
		triggers:   make(chan string, 1),
	}
	l.compiler.Store(comp)
	l.snapshot.Store(classifier.NewSnapshot(nil))

	return l, nil
}

// Start loads the dataplane, enforces the first generation and attaches
// the classifier. Any error is fatal to the process.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Raw().Info().Str("dataplane", l.dataplane.Name()).Msg("Starting loop...")

	if err := l.dataplane.Load(ctx); err != nil {
		return fmt.Errorf("%w: load %s: %w", types.ErrAttachment, l.dataplane.Name(), err)
	}

	if l.db != nil {
		generation, err := l.db.Q.LastGeneration(ctx, l.db.DB)
		if err != nil {
			return fmt.Errorf("last generation: %w", err)
		}
		l.generation.Store(generation)
	}

	if _, err := l.refresh(ctx, OriginStartup, true); err != nil {
		return fmt.Errorf("first refresh: %w", err)
	}

	if err := l.hook.Attach(ctx, l.generation.Load()); err != nil {
		return err
	}

	return nil
}

// Run serves ticks, triggers and dataplane events until ctx is done or
// the hook is lost.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Raw().Info().Dur("interval", l.cfg.RefreshInterval).Msg("Running loop...")

	if w, ok := l.source.(source.Watcher); ok && l.cfg.Watch {
		if err := w.Watch(ctx, time.Second, func() { l.Trigger(OriginWatch) }); err != nil {
			l.logger.Log(event.NewError(zerolog.WarnLevel, "source watch failed", err))
		}
	}

	go l.consume(ctx)

	ticker := time.NewTicker(l.cfg.RefreshInterval)
	defer ticker.Stop()

	statsInterval := l.cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = 15 * time.Second
	}
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-l.dataplane.Lost():
			if !errors.Is(err, types.ErrAttachment) {
				err = fmt.Errorf("%w: %w", types.ErrAttachment, err)
			}
			l.logger.Log(event.NewError(zerolog.ErrorLevel, "classifier hook lost", err).
				In(event.Scope{Generation: l.generation.Load(), Slot: l.dataplane.Active()}))

			return err
		case origin := <-l.triggers:
			l.Refresh(ctx, origin)
		case <-ticker.C:
			l.Refresh(ctx, OriginTick)
		case <-stats.C:
			l.pollStats()
		}
	}
}

// Trigger asks Run for an extra cycle, repeated triggers coalesce.
func (l *Loop) Trigger(origin string) {
	select {
	case l.triggers <- origin:
	default:
	}
}

// Refresh runs one cycle. A failed cycle keeps the enforced generation.
func (l *Loop) Refresh(ctx context.Context, origin string) (types.Cycle, error) {
	if !l.busy.CompareAndSwap(false, true) {
		return types.Cycle{}, ErrBusy
	}

	type result struct {
		cycle types.Cycle
		err   error
	}
	done := make(chan result, 1)

	err := l.pool.Submit(func() {
		defer l.busy.Store(false)

		cycle, err := l.refresh(ctx, origin, false)
		done <- result{cycle: cycle, err: err}
	})
	if err != nil {
		l.busy.Store(false)
		return types.Cycle{}, fmt.Errorf("submit: %w", err)
	}

	res := <-done

	return res.cycle, res.err
}

// SetPolicy replaces the policy from the next cycle on.
func (l *Loop) SetPolicy(p *policy.Policy, opts ...compiler.Option) {
	l.compiler.Store(compiler.New(p, opts...))
}

func (l *Loop) Policy() *policy.Policy {
	return l.compiler.Load().Policy()
}

func (l *Loop) refresh(ctx context.Context, origin string, fallback bool) (types.Cycle, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return types.Cycle{}, fmt.Errorf("cycle id: %w", err)
	}

	cycle := types.Cycle{
		ID:         id.String(),
		Origin:     origin,
		StartedAt:  time.Now().UTC(),
		Generation: l.nextGeneration(),
	}

	rs, err := l.cycle(ctx, &cycle, fallback)
	cycle.Duration = time.Since(cycle.StartedAt)
	if err != nil {
		cycle.Error = err.Error()
	} else {
		cycle.EntriesV4 = len(rs.V4)
		cycle.EntriesV6 = len(rs.V6)
	}

	l.record(ctx, cycle, err)

	return cycle, err
}

func (l *Loop) nextGeneration() uint64 {
	prev := l.generation.Load()
	if cur := l.reconciler.Current(); cur != nil && cur.Generation > prev {
		prev = cur.Generation
	}

	return prev + 1
}

func (l *Loop) cycle(ctx context.Context, cycle *types.Cycle, fallback bool) (*types.RuleSet, error) {
	blobs, err := l.fetch(ctx)

	var rs *types.RuleSet
	if err == nil {
		rs, err = l.build(blobs)
	}

	if err != nil && fallback && l.cache != nil {
		cached, cerr := l.loadCache()
		if cerr != nil {
			return nil, errors.Join(err, cerr)
		}

		l.logger.Log(event.NewError(zerolog.WarnLevel, "using cached databases", err))
		blobs = nil

		rs, err = l.build(cached)
		if err != nil {
			return nil, fmt.Errorf("cached databases: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	res, err := l.reconciler.Apply(ctx, rs)
	if err != nil {
		return nil, err
	}
	cycle.Inserted = res.Inserted
	cycle.Removed = res.Removed

	l.generation.Store(rs.Generation)
	l.snapshot.Store(classifier.NewSnapshot(rs))

	// only databases that made it into the tables are cached
	if l.cache != nil {
		for kind, data := range blobs {
			if err := l.cache.Store(kind, data); err != nil {
				l.logger.Log(event.NewError(zerolog.WarnLevel, "cache store failed", err))
			}
		}
	}

	return rs, nil
}

func (l *Loop) fetch(ctx context.Context) (map[source.Kind][]byte, error) {
	if l.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.FetchTimeout)
		defer cancel()
	}

	kinds := l.source.Kinds()
	blobs := make([][]byte, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			data, err := l.source.Fetch(gctx, kind)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", kind, err)
			}
			blobs[i] = data

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[source.Kind][]byte, len(kinds))
	for i, kind := range kinds {
		result[kind] = blobs[i]
	}

	return result, nil
}

func (l *Loop) loadCache() (map[source.Kind][]byte, error) {
	result := make(map[source.Kind][]byte)
	for _, kind := range l.source.Kinds() {
		// asn databases are only read for asn entries
		if kind == source.KindASN && !l.Policy().HasASN() {
			continue
		}

		data, err := l.cache.Load(kind)
		if err != nil {
			return nil, fmt.Errorf("cache %s: %w", kind, err)
		}
		result[kind] = data
	}

	return result, nil
}

func (l *Loop) build(blobs map[source.Kind][]byte) (*types.RuleSet, error) {
	data, ok := blobs[source.KindCountry]
	if !ok {
		return nil, fmt.Errorf("%w: no country database", types.ErrFetch)
	}

	countries, err := geodb.Open(data, l.cfg.Verify)
	if err != nil {
		return nil, fmt.Errorf("country database: %w", err)
	}
	defer countries.Close()

	comp := l.compiler.Load()

	var asns compiler.RecordSource
	if data, ok := blobs[source.KindASN]; ok && comp.Policy().HasASN() {
		db, err := geodb.Open(data, l.cfg.Verify)
		if err != nil {
			return nil, fmt.Errorf("asn database: %w", err)
		}
		defer db.Close()

		asns = db.Records()
	}

	rs, stats, err := comp.Compile(l.nextGeneration()-1, countries.Records(), asns)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	info := countries.Info()
	l.logger.Raw().
		Debug().
		Str("type", info.Type).
		Time("build_time", info.BuildTime).
		Int("records", stats.Records).
		Int("overrides", stats.Overrides).
		Int("skipped", stats.Skipped).
		Int("entries", rs.Len()).
		Msg("rules compiled")

	return rs, nil
}

func (l *Loop) record(ctx context.Context, cycle types.Cycle, err error) {
	lvl := zerolog.InfoLevel
	msg := "refresh done"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrFetch), errors.Is(err, types.ErrStaleGeneration), errors.Is(err, context.Canceled):
		lvl, msg = zerolog.WarnLevel, "refresh failed"
	default:
		lvl, msg = zerolog.ErrorLevel, "refresh failed"
	}
	l.logger.Log(event.NewCycle(lvl, msg, cycle, err))
	l.lastCycle.Store(&cycle)

	if l.db != nil {
		// history outlives a canceled cycle
		if err := l.db.Q.InsertCycle(context.WithoutCancel(ctx), l.db.DB, cycle); err != nil {
			l.logger.Log(event.NewError(zerolog.WarnLevel, "cycle history failed", err))
		}
	}
}

func (l *Loop) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-l.dataplane.Events():
			if !l.cfg.LogVerdicts || !l.sampler.Allow(d) {
				continue
			}

			lvl := zerolog.DebugLevel
			if d.Verdict == types.VerdictDrop {
				lvl = zerolog.InfoLevel
			}
			l.logger.Log(event.NewVerdict(lvl, "packet classified", d))
		}
	}
}

func (l *Loop) pollStats() {
	stats, err := l.dataplane.Stats()
	if err != nil {
		l.logger.Log(event.NewError(zerolog.WarnLevel, "dataplane stats failed", err))
		return
	}

	m := metrics.Get()
	m.DataplanePackets.WithLabelValues("allowed").Set(float64(stats.Allowed))
	m.DataplanePackets.WithLabelValues("dropped").Set(float64(stats.Dropped))
	m.DataplanePackets.WithLabelValues("missed").Set(float64(stats.Missed))
	m.DataplanePackets.WithLabelValues("events_lost").Set(float64(stats.EventsLost))
}

// Lookup classifies addr against the enforced generation.
func (l *Loop) Lookup(addr netip.Addr) types.Decision {
	return classifier.Classify(l.snapshot.Load(), addr)
}

func (l *Loop) Status() Status {
	status := Status{
		Dataplane: l.dataplane.Name(),
		State:     l.hook.State(),
		LastCycle: l.lastCycle.Load(),
	}
	if rs := l.reconciler.Current(); rs != nil {
		status.Generation = rs.Generation
		status.Default = rs.Default
		status.EntriesV4 = len(rs.V4)
		status.EntriesV6 = len(rs.V6)
	}
	if stats, err := l.dataplane.Stats(); err == nil {
		status.Stats = stats
	}

	return status
}

func (l *Loop) Cycles(ctx context.Context, limit int) ([]types.Cycle, error) {
	if l.db == nil {
		if cycle := l.lastCycle.Load(); cycle != nil {
			return []types.Cycle{*cycle}, nil
		}

		return nil, nil
	}

	return l.db.Q.ListCycles(ctx, l.db.DB, limit)
}

// Close waits for the running cycle, then releases the hook and the tables.
func (l *Loop) Close() error {
	var errs error
	if err := l.pool.ReleaseTimeout(time.Minute); err != nil {
		errs = errors.Join(errs, fmt.Errorf("release pool: %w", err))
	}

	if err := l.hook.Detach(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := l.reconciler.Flush(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("flush: %w", err))
	}
	if err := l.dataplane.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close dataplane: %w", err))
	}

	return errs
}
