package dataplane

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"github.com/cnaize/geofw/src/core/classifier"
	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

var (
	_ Dataplane            = (*Memory)(nil)
	_ classifier.Lookuper = (*Memory)(nil)
)

type memorySlot struct {
	mu     sync.RWMutex
	tables [2]*bart.Table[types.Entry]
	meta   atomic.Pointer[types.Meta]
}

func (s *memorySlot) table(family types.Family) *bart.Table[types.Entry] {
	if family == types.FamilyV4 {
		return s.tables[0]
	}

	return s.tables[1]
}

// Memory keeps the classifier tables in process. It backs the nfqueue
// dataplane and runs everywhere else as a dry run.
type Memory struct {
	capV4 int
	capV6 int

	slots  []*memorySlot
	active atomic.Int32

	attached atomic.Bool
	allowed  atomic.Uint64
	dropped  atomic.Uint64
	missed   atomic.Uint64
	evLost   atomic.Uint64

	events chan types.Decision
	lost   chan error
}

func NewMemory(slots, capV4, capV6 int, events uint) *Memory {
	if slots < 1 {
		slots = 1
	}

	m := &Memory{
		capV4:  capV4,
		capV6:  capV6,
		slots:  make([]*memorySlot, slots),
		events: make(chan types.Decision, events),
		lost:   make(chan error, 1),
	}
	for i := range m.slots {
		m.slots[i] = &memorySlot{
			tables: [2]*bart.Table[types.Entry]{
				new(bart.Table[types.Entry]),
				new(bart.Table[types.Entry]),
			},
		}
		m.slots[i].meta.Store(&types.Meta{})
	}

	return m
}

func (m *Memory) Name() string {
	return "memory"
}

func (m *Memory) Slots() int {
	return len(m.slots)
}

func (m *Memory) Active() int {
	return int(m.active.Load())
}

func (m *Memory) Capacity(family types.Family) int {
	if family == types.FamilyV4 {
		return m.capV4
	}

	return m.capV6
}

func (m *Memory) Upsert(slot int, family types.Family, rules []types.Rule) (int, error) {
	if err := checkSlot(m, slot); err != nil {
		return 0, err
	}

	s := m.slots[slot]
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.table(family)
	capacity := m.Capacity(family)
	for i, rule := range rules {
		if _, ok := table.Get(rule.Prefix); !ok && table.Size() >= capacity {
			return i, fmt.Errorf("%s: %w", rule.Prefix, ErrTableFull)
		}
		table.Insert(rule.Prefix, rule.Entry)
	}

	return len(rules), nil
}

func (m *Memory) Delete(slot int, family types.Family, prefixes []netip.Prefix) (int, error) {
	if err := checkSlot(m, slot); err != nil {
		return 0, err
	}

	s := m.slots[slot]
	s.mu.Lock()
	defer s.mu.Unlock()

	table := s.table(family)
	for _, prefix := range prefixes {
		table.Delete(prefix)
	}

	return len(prefixes), nil
}

func (m *Memory) Clear(slot int, family types.Family) error {
	if err := checkSlot(m, slot); err != nil {
		return err
	}

	s := m.slots[slot]
	s.mu.Lock()
	defer s.mu.Unlock()

	if family == types.FamilyV4 {
		s.tables[0] = new(bart.Table[types.Entry])
	} else {
		s.tables[1] = new(bart.Table[types.Entry])
	}

	return nil
}

func (m *Memory) Publish(slot int, meta types.Meta) error {
	if err := checkSlot(m, slot); err != nil {
		return err
	}

	m.slots[slot].meta.Store(&meta)
	m.active.Store(int32(slot))

	return nil
}

// Lookup reads the active slot the way the kernel program does.
func (m *Memory) Lookup(addr netip.Addr) (types.Entry, types.Meta, bool) {
	s := m.slots[m.active.Load()]
	meta := *s.meta.Load()

	s.mu.RLock()
	entry, ok := s.table(types.FamilyOf(addr)).Lookup(addr)
	s.mu.RUnlock()

	return entry, meta, ok
}

// Len returns the number of entries of a slot.
func (m *Memory) Len(slot int, family types.Family) int {
	s := m.slots[slot]
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.table(family).Size()
}

// Classify makes the packet decision and reports it.
func (m *Memory) Classify(addr netip.Addr) types.Decision {
	decision := classifier.Classify(m, addr)

	if !decision.Matched {
		m.missed.Add(1)
	}
	if decision.Verdict == types.VerdictDrop {
		m.dropped.Add(1)
	} else {
		m.allowed.Add(1)
	}

	select {
	case m.events <- decision:
	default:
		m.evLost.Add(1)
		metrics.Get().EventsDroppedTotal.WithLabelValues("dataplane").Inc()
	}

	return decision
}

func (m *Memory) Load(ctx context.Context) error {
	return nil
}

func (m *Memory) Attach(ctx context.Context) error {
	m.attached.Store(true)

	return nil
}

func (m *Memory) Detach() error {
	m.attached.Store(false)

	return nil
}

func (m *Memory) Attached() bool {
	return m.attached.Load()
}

func (m *Memory) Events() <-chan types.Decision {
	return m.events
}

func (m *Memory) Lost() <-chan error {
	return m.lost
}

// Fail reports the hook as lost.
func (m *Memory) Fail(err error) {
	select {
	case m.lost <- err:
	default:
	}
}

func (m *Memory) Stats() (Stats, error) {
	return Stats{
		Allowed:    m.allowed.Load(),
		Dropped:    m.dropped.Load(),
		Missed:     m.missed.Load(),
		EventsLost: m.evLost.Load(),
	}, nil
}

func (m *Memory) Close() error {
	m.attached.Store(false)

	return nil
}
