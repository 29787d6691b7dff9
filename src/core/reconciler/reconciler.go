package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/core/dataplane"
	"github.com/cnaize/geofw/src/core/logger"
	"github.com/cnaize/geofw/src/core/logger/event"
	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

const (
	DefaultGrace     = 100 * time.Millisecond
	DefaultChunkSize = 4096
)

type Option func(r *Reconciler)

// WithGrace sets the delay before the previous slot is caught up.
// Readers that loaded the old selector finish within it.
func WithGrace(grace time.Duration) Option {
	return func(r *Reconciler) {
		r.grace = grace
	}
}

func WithChunkSize(size int) Option {
	return func(r *Reconciler) {
		if size > 0 {
			r.chunk = size
		}
	}
}

type Result struct {
	Generation uint64 `json:"generation"`
	Slot       int    `json:"slot"`
	Inserted   int    `json:"inserted"`
	Removed    int    `json:"removed"`
}

// Reconciler is the only writer of the classifier tables.
type Reconciler struct {
	tables dataplane.Tables
	logger *logger.Logger
	grace  time.Duration
	chunk  int

	mu       sync.Mutex
	resident [][2]resident
	dirty    []bool
	current  atomic.Pointer[types.RuleSet]

	// catch-up of the previous slot, owns it until done
	catchup sync.WaitGroup
}

func New(tables dataplane.Tables, logger *logger.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		tables:   tables,
		logger:   logger,
		grace:    DefaultGrace,
		chunk:    DefaultChunkSize,
		resident: make([][2]resident, tables.Slots()),
		dirty:    make([]bool, tables.Slots()),
	}
	for slot := range r.resident {
		r.resident[slot] = [2]resident{make(resident), make(resident)}
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func familyIndex(family types.Family) int {
	if family == types.FamilyV4 {
		return 0
	}

	return 1
}

// Current returns the enforced generation, nil before the first one.
func (r *Reconciler) Current() *types.RuleSet {
	return r.current.Load()
}

// Wait blocks until the previous slot is caught up.
func (r *Reconciler) Wait() {
	r.catchup.Wait()
}

// Apply makes rs the enforced generation. On error the previous one
// stays enforced and untouched.
func (r *Reconciler) Apply(ctx context.Context, rs *types.RuleSet) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catchup.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if cur := r.current.Load(); cur != nil && rs.Generation <= cur.Generation {
		return Result{}, fmt.Errorf("%w: %d <= %d", types.ErrStaleGeneration, rs.Generation, cur.Generation)
	}
	if rs.Len() == 0 {
		return Result{}, types.ErrEmptyCompilation
	}

	if r.tables.Slots() < 2 {
		return r.applySingle(ctx, rs)
	}

	return r.applyDual(ctx, rs)
}

func (r *Reconciler) plans(slot int, rs *types.RuleSet) []Plan {
	plans := make([]Plan, 0, len(types.Families))
	for _, family := range types.Families {
		plans = append(plans, diff(family, r.resident[slot][familyIndex(family)], rs.Rules(family)))
	}

	return plans
}

func (r *Reconciler) checkCapacity(slot int, rs *types.RuleSet, plans []Plan) error {
	for _, plan := range plans {
		capacity := r.tables.Capacity(plan.Family)

		need := len(rs.Rules(plan.Family))
		if r.tables.Slots() < 2 {
			// inserts land before removals
			res := r.resident[slot][familyIndex(plan.Family)]
			need = len(res)
			for _, rule := range plan.Insert {
				if _, ok := res[rule.Prefix]; !ok {
					need++
				}
			}
		}

		if need > capacity {
			return fmt.Errorf("%w: %s needs %d entries, capacity %d: %w",
				types.ErrTableWrite, plan.Family, need, capacity, dataplane.ErrTableFull)
		}
	}

	return nil
}

func (r *Reconciler) applyDual(ctx context.Context, rs *types.RuleSet) (Result, error) {
	slot := 1 - r.tables.Active()
	if r.dirty[slot] {
		if err := r.clear(slot); err != nil {
			return Result{}, fmt.Errorf("%w: clear slot %d: %w", types.ErrTableWrite, slot, err)
		}
	}

	plans := r.plans(slot, rs)
	if err := r.checkCapacity(slot, rs, plans); err != nil {
		return Result{}, err
	}

	j := newJournal(r.tables, slot)
	// the target slot is not read, removals first keep it within capacity
	for _, plan := range plans {
		res := r.resident[slot][familyIndex(plan.Family)]
		if err := r.removeChunks(ctx, j, plan.Family, res, plan.Remove); err != nil {
			return Result{}, r.abort(j, slot, rs.Generation, err)
		}
		if err := r.upsertChunks(ctx, j, plan.Family, res, plan.Insert); err != nil {
			return Result{}, r.abort(j, slot, rs.Generation, err)
		}
	}

	if err := r.tables.Publish(slot, rs.Meta()); err != nil {
		return Result{}, r.abort(j, slot, rs.Generation, fmt.Errorf("publish: %w", err))
	}

	result := r.commit(slot, rs, plans)

	r.current.Store(rs)
	r.catchup.Add(1)
	go r.catchUp(1-slot, rs)

	return result, nil
}

func (r *Reconciler) applySingle(ctx context.Context, rs *types.RuleSet) (Result, error) {
	const slot = 0
	if r.dirty[slot] {
		if err := r.clear(slot); err != nil {
			return Result{}, fmt.Errorf("%w: clear slot %d: %w", types.ErrTableWrite, slot, err)
		}
	}

	plans := r.plans(slot, rs)
	if err := r.checkCapacity(slot, rs, plans); err != nil {
		return Result{}, err
	}

	j := newJournal(r.tables, slot)
	for _, plan := range plans {
		res := r.resident[slot][familyIndex(plan.Family)]
		if err := r.upsertChunks(ctx, j, plan.Family, res, plan.Insert); err != nil {
			return Result{}, r.abort(j, slot, rs.Generation, err)
		}
	}
	for _, plan := range plans {
		res := r.resident[slot][familyIndex(plan.Family)]
		if err := r.removeChunks(ctx, j, plan.Family, res, plan.Remove); err != nil {
			return Result{}, r.abort(j, slot, rs.Generation, err)
		}
	}

	if err := r.tables.Publish(slot, rs.Meta()); err != nil {
		return Result{}, r.abort(j, slot, rs.Generation, fmt.Errorf("publish: %w", err))
	}

	result := r.commit(slot, rs, plans)
	r.current.Store(rs)

	return result, nil
}

func (r *Reconciler) commit(slot int, rs *types.RuleSet, plans []Plan) Result {
	result := Result{Generation: rs.Generation, Slot: slot}
	for _, plan := range plans {
		r.resident[slot][familyIndex(plan.Family)].apply(plan)
		result.Inserted += len(plan.Insert)
		result.Removed += len(plan.Remove)
	}

	return result
}

func (r *Reconciler) upsertChunks(ctx context.Context, j *journal, family types.Family, res resident, rules []types.Rule) error {
	for start := 0; start < len(rules); start += r.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+r.chunk, len(rules))
		if err := j.upsert(family, res, rules[start:end]); err != nil {
			return fmt.Errorf("%w: upsert %s: %w", types.ErrTableWrite, family, err)
		}
	}

	return nil
}

func (r *Reconciler) removeChunks(ctx context.Context, j *journal, family types.Family, res resident, prefixes []netip.Prefix) error {
	for start := 0; start < len(prefixes); start += r.chunk {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+r.chunk, len(prefixes))
		if err := j.remove(family, res, prefixes[start:end]); err != nil {
			return fmt.Errorf("%w: remove %s: %w", types.ErrTableWrite, family, err)
		}
	}

	return nil
}

// abort rolls the slot back to its resident rules.
func (r *Reconciler) abort(j *journal, slot int, generation uint64, err error) error {
	ops := j.len()
	scope := event.Scope{Generation: generation, Slot: slot}
	if rerr := j.rollback(); rerr != nil {
		r.dirty[slot] = true
		err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		r.logger.Log(event.NewError(zerolog.ErrorLevel, "slot left dirty", rerr).In(scope))
	} else {
		r.logger.Log(event.NewMessage(zerolog.WarnLevel, fmt.Sprintf("rolled back %d table writes", ops)).In(scope))
	}
	metrics.Get().TableOpsTotal.WithLabelValues("rollback").Add(float64(ops))

	return err
}

func (r *Reconciler) clear(slot int) error {
	for _, family := range types.Families {
		if err := r.tables.Clear(slot, family); err != nil {
			return err
		}
		r.resident[slot][familyIndex(family)] = make(resident)
	}
	r.dirty[slot] = false

	return nil
}

// catchUp replays the new generation into the previous slot once the
// grace delay passed, the next cycle then only writes its own diff.
func (r *Reconciler) catchUp(slot int, rs *types.RuleSet) {
	defer r.catchup.Done()

	time.Sleep(r.grace)

	scope := event.Scope{Generation: rs.Generation, Slot: slot}
	err := func() error {
		if r.dirty[slot] {
			if err := r.clear(slot); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
		}

		for _, plan := range r.plans(slot, rs) {
			scope.Family = plan.Family
			res := r.resident[slot][familyIndex(plan.Family)]
			if _, err := r.tables.Delete(slot, plan.Family, plan.Remove); err != nil {
				return fmt.Errorf("remove: %w", err)
			}
			if _, err := r.tables.Upsert(slot, plan.Family, plan.Insert); err != nil {
				return fmt.Errorf("upsert: %w", err)
			}
			res.apply(plan)
		}

		return nil
	}()
	if err != nil {
		r.dirty[slot] = true
		r.logger.Log(event.NewError(zerolog.WarnLevel, "slot catch-up failed", err).In(scope))
	}
}

// Flush empties every slot. The classifier must be detached.
func (r *Reconciler) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catchup.Wait()

	var errs error
	for slot := range r.resident {
		if err := r.clear(slot); err != nil {
			r.dirty[slot] = true
			errs = errors.Join(errs, fmt.Errorf("clear slot %d: %w", slot, err))
		}
	}
	if err := r.tables.Publish(0, types.Meta{}); err != nil {
		errs = errors.Join(errs, fmt.Errorf("publish: %w", err))
	}
	r.current.Store(nil)

	return errs
}
