//go:build linux

package dataplane

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cnaize/geofw/src/core/logger"
	"github.com/cnaize/geofw/src/core/logger/event"
	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

var _ Dataplane = (*XDP)(nil)

const (
	xdpProgram  = "geofw"
	xdpMeta     = "slot_meta"
	xdpSelector = "selector"
	xdpStats    = "stats"
	xdpEvents   = "events"
)

// stats map indexes
const (
	statAllowed uint32 = iota
	statDropped
	statMissed
	statEventsLost
)

// keep in sync with bpf/geofw.c
type lpmKey4 struct {
	Prefixlen uint32
	Addr      [4]byte
}

type lpmKey6 struct {
	Prefixlen uint32
	Addr      [16]byte
}

type lpmValue struct {
	Verdict uint8
	Flags   uint8
	Country [2]byte
}

type slotMeta struct {
	Generation    uint64
	Default       uint8
	ReportAllowed uint8
	Pad           [6]byte
}

func newSlotMeta(meta types.Meta, reportAllowed bool) slotMeta {
	value := slotMeta{Generation: meta.Generation, Default: uint8(meta.Default)}
	if reportAllowed {
		value.ReportAllowed = 1
	}

	return value
}

type xdpEvent struct {
	Generation uint64
	Addr       [16]byte
	Family     uint8
	Verdict    uint8
	Country    [2]byte
	Matched    uint8
	Pad        [3]byte
}

type XDPConfig struct {
	Interface  string
	Object     string
	Mode       string
	Slots      int
	CapacityV4 int
	CapacityV6 int
	Events     uint

	// emit events for passed packets too, drops are always reported
	ReportAllowed bool
}

// XDP runs the classifier in the driver hook of one interface.
type XDP struct {
	cfg    XDPConfig
	logger *logger.Logger

	coll     *ebpf.Collection
	rules    [2][2]*ebpf.Map
	meta     *ebpf.Map
	selector *ebpf.Map
	stats    *ebpf.Map
	reader   *ringbuf.Reader

	mu      sync.Mutex
	link    link.Link
	watcher *Watcher

	active atomic.Int32
	events chan types.Decision
	lost   chan error
	wg     sync.WaitGroup
}

func NewXDP(cfg XDPConfig, logger *logger.Logger) *XDP {
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}

	return &XDP{
		cfg:    cfg,
		logger: logger,
		events: make(chan types.Decision, cfg.Events),
		lost:   make(chan error, 1),
	}
}

func (x *XDP) Name() string {
	return "xdp"
}

func rulesMap(family types.Family, slot int) string {
	return fmt.Sprintf("rules_v%d_%d", family, slot)
}

func (x *XDP) Load(ctx context.Context) error {
	x.logger.Raw().Info().Str("object", x.cfg.Object).Msg("Loading xdp program...")

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(x.cfg.Object)
	if err != nil {
		return fmt.Errorf("load spec: %w", err)
	}

	for slot := range 2 {
		for _, family := range types.Families {
			name := rulesMap(family, slot)
			ms, ok := spec.Maps[name]
			if !ok {
				return fmt.Errorf("map %s: not found", name)
			}
			ms.MaxEntries = uint32(x.Capacity(family))
		}
	}
	if ms, ok := spec.Maps[xdpEvents]; ok && x.cfg.Events > 0 {
		// ring buffer size is a power of two number of pages
		size := uint32(unix.Getpagesize())
		for size < uint32(x.cfg.Events)*uint32(binary.Size(xdpEvent{})) {
			size <<= 1
		}
		ms.MaxEntries = size
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return fmt.Errorf("new collection: %w", err)
	}

	for slot := range 2 {
		for i, family := range types.Families {
			x.rules[slot][i] = coll.Maps[rulesMap(family, slot)]
		}
	}
	x.meta = coll.Maps[xdpMeta]
	x.selector = coll.Maps[xdpSelector]
	x.stats = coll.Maps[xdpStats]
	if x.meta == nil || x.selector == nil || x.stats == nil || coll.Programs[xdpProgram] == nil {
		coll.Close()
		return fmt.Errorf("object %s: missing program or maps", x.cfg.Object)
	}

	if events := coll.Maps[xdpEvents]; events != nil {
		reader, err := ringbuf.NewReader(events)
		if err != nil {
			coll.Close()
			return fmt.Errorf("ringbuf reader: %w", err)
		}
		x.reader = reader

		x.wg.Add(1)
		go x.readLoop()
	}
	x.coll = coll

	return nil
}

func (x *XDP) Attach(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.coll == nil {
		return ErrNotLoaded
	}
	if x.link != nil {
		return nil
	}

	iface, err := netlink.LinkByName(x.cfg.Interface)
	if err != nil {
		return fmt.Errorf("interface %s: %w", x.cfg.Interface, err)
	}

	var modes []link.XDPAttachFlags
	switch x.cfg.Mode {
	case "driver":
		modes = []link.XDPAttachFlags{link.XDPDriverMode}
	case "generic":
		modes = []link.XDPAttachFlags{link.XDPGenericMode}
	default:
		modes = []link.XDPAttachFlags{link.XDPDriverMode, link.XDPGenericMode}
	}

	var errs error
	for _, mode := range modes {
		l, err := link.AttachXDP(link.XDPOptions{
			Program:   x.coll.Programs[xdpProgram],
			Interface: iface.Attrs().Index,
			Flags:     mode,
		})
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}

		x.link = l
		x.logger.Raw().
			Info().
			Str("interface", x.cfg.Interface).
			Uint32("mode", uint32(mode)).
			Msg("xdp program attached")
		break
	}
	if x.link == nil {
		return fmt.Errorf("attach xdp: %w", errs)
	}

	x.watcher = NewWatcher(x.logger.Raw(), func(name string) {
		x.fail(fmt.Errorf("%w: interface %s removed", types.ErrAttachment, name))
	})
	x.watcher.Watch(x.cfg.Interface)
	if err := x.watcher.Start(); err != nil {
		x.logger.Log(event.NewError(zerolog.WarnLevel, "link watcher failed", err))
	}

	return nil
}

func (x *XDP) fail(err error) {
	select {
	case x.lost <- err:
	default:
	}
}

func (x *XDP) Detach() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.watcher != nil {
		// a removal racing with detach is not a loss
		x.watcher.Unwatch(x.cfg.Interface)
		x.watcher.Stop()
		x.watcher = nil
	}
	if x.link == nil {
		return nil
	}

	err := x.link.Close()
	x.link = nil
	if err != nil {
		return fmt.Errorf("close link: %w", err)
	}

	return nil
}

func (x *XDP) Slots() int {
	return x.cfg.Slots
}

func (x *XDP) Active() int {
	return int(x.active.Load())
}

func (x *XDP) Capacity(family types.Family) int {
	if family == types.FamilyV4 {
		return x.cfg.CapacityV4
	}

	return x.cfg.CapacityV6
}

func (x *XDP) table(slot int, family types.Family) (*ebpf.Map, error) {
	if x.coll == nil {
		return nil, ErrNotLoaded
	}
	if err := checkSlot(x, slot); err != nil {
		return nil, err
	}

	if family == types.FamilyV4 {
		return x.rules[slot][0], nil
	}

	return x.rules[slot][1], nil
}

func lpmKey(prefix netip.Prefix) any {
	addr := prefix.Addr()
	if addr.Is4() {
		return lpmKey4{Prefixlen: uint32(prefix.Bits()), Addr: addr.As4()}
	}

	return lpmKey6{Prefixlen: uint32(prefix.Bits()), Addr: addr.As16()}
}

func (x *XDP) Upsert(slot int, family types.Family, rules []types.Rule) (int, error) {
	m, err := x.table(slot, family)
	if err != nil {
		return 0, err
	}

	for i, rule := range rules {
		value := lpmValue{Verdict: uint8(rule.Entry.Verdict), Country: rule.Entry.Country}
		if err := m.Update(lpmKey(rule.Prefix), value, ebpf.UpdateAny); err != nil {
			if errors.Is(err, unix.E2BIG) || errors.Is(err, unix.ENOSPC) {
				err = fmt.Errorf("%w: %w", ErrTableFull, err)
			}

			return i, fmt.Errorf("update %s: %w", rule.Prefix, err)
		}
	}
	metrics.Get().TableOpsTotal.WithLabelValues("upsert").Add(float64(len(rules)))

	return len(rules), nil
}

func (x *XDP) Delete(slot int, family types.Family, prefixes []netip.Prefix) (int, error) {
	m, err := x.table(slot, family)
	if err != nil {
		return 0, err
	}

	for i, prefix := range prefixes {
		if err := m.Delete(lpmKey(prefix)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return i, fmt.Errorf("delete %s: %w", prefix, err)
		}
	}
	metrics.Get().TableOpsTotal.WithLabelValues("delete").Add(float64(len(prefixes)))

	return len(prefixes), nil
}

func (x *XDP) Clear(slot int, family types.Family) error {
	m, err := x.table(slot, family)
	if err != nil {
		return err
	}

	var keys []any
	var value lpmValue
	if family == types.FamilyV4 {
		var key lpmKey4
		iter := m.Iterate()
		for iter.Next(&key, &value) {
			keys = append(keys, key)
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("iterate: %w", err)
		}
	} else {
		var key lpmKey6
		iter := m.Iterate()
		for iter.Next(&key, &value) {
			keys = append(keys, key)
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("iterate: %w", err)
		}
	}

	for _, key := range keys {
		if err := m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("delete: %w", err)
		}
	}
	metrics.Get().TableOpsTotal.WithLabelValues("clear").Inc()

	return nil
}

func (x *XDP) Publish(slot int, meta types.Meta) error {
	if x.coll == nil {
		return ErrNotLoaded
	}
	if err := checkSlot(x, slot); err != nil {
		return err
	}

	value := newSlotMeta(meta, x.cfg.ReportAllowed)
	if err := x.meta.Update(uint32(slot), value, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	// single word write, the program sees the old or the new slot
	if err := x.selector.Update(uint32(0), uint32(slot), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update selector: %w", err)
	}
	x.active.Store(int32(slot))
	metrics.Get().TableOpsTotal.WithLabelValues("publish").Inc()

	return nil
}

func (x *XDP) Events() <-chan types.Decision {
	return x.events
}

func (x *XDP) Lost() <-chan error {
	return x.lost
}

func (x *XDP) readLoop() {
	defer x.wg.Done()

	var ev xdpEvent
	for {
		record, err := x.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			continue
		}

		decision, err := decodeEvent(record.RawSample, &ev)
		if err != nil {
			continue
		}

		select {
		case x.events <- decision:
		default:
			metrics.Get().EventsDroppedTotal.WithLabelValues("dataplane").Inc()
		}
	}
}

func sumPerCPU(m *ebpf.Map, key uint32) (uint64, error) {
	var values []uint64
	if err := m.Lookup(key, &values); err != nil {
		return 0, err
	}

	var sum uint64
	for _, v := range values {
		sum += v
	}

	return sum, nil
}

func (x *XDP) Stats() (Stats, error) {
	if x.coll == nil {
		return Stats{}, ErrNotLoaded
	}

	var stats Stats
	var errs error
	for key, dst := range map[uint32]*uint64{
		statAllowed:    &stats.Allowed,
		statDropped:    &stats.Dropped,
		statMissed:     &stats.Missed,
		statEventsLost: &stats.EventsLost,
	} {
		value, err := sumPerCPU(x.stats, key)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("stat %d: %w", key, err))
			continue
		}
		*dst = value
	}

	return stats, errs
}

func (x *XDP) Close() error {
	var errs error
	if err := x.Detach(); err != nil {
		errs = errors.Join(errs, err)
	}

	if x.reader != nil {
		if err := x.reader.Close(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	x.wg.Wait()

	if x.coll != nil {
		x.coll.Close()
		x.coll = nil
	}

	return errs
}

func decodeEvent(raw []byte, ev *xdpEvent) (types.Decision, error) {
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, ev); err != nil {
		return types.Decision{}, err
	}

	var addr netip.Addr
	if ev.Family == uint8(types.FamilyV4) {
		addr = netip.AddrFrom4([4]byte(ev.Addr[:4]))
	} else {
		addr = netip.AddrFrom16(ev.Addr)
	}

	return types.Decision{
		Addr:       addr,
		Verdict:    types.Verdict(ev.Verdict),
		Country:    types.CountryCode(ev.Country),
		Generation: ev.Generation,
		Matched:    ev.Matched != 0,
	}, nil
}
