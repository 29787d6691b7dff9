//go:build linux

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"sync"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/core/logger"
	"github.com/cnaize/geofw/src/core/logger/event"
	"github.com/cnaize/geofw/src/types"
)

var _ Dataplane = (*NFQueue)(nil)

// NFQueue classifies in userspace: iptables hands inbound packets to
// the workers, the tables live in memory.
type NFQueue struct {
	*Memory

	qcount uint
	qlen   uint32
	logger *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers []*Worker
}

func NewNFQueue(mem *Memory, qcount uint, qlen uint32, logger *logger.Logger) *NFQueue {
	return &NFQueue{
		Memory: mem,
		qcount: qcount,
		qlen:   qlen,
		logger: logger,
	}
}

func (q *NFQueue) Name() string {
	return "nfqueue"
}

func (q *NFQueue) Attach(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		return nil
	}
	q.logger.Raw().Info().Uint("queues", q.qcount).Msg("Running queue...")

	// workers outlive the attach call
	wctx, cancel := context.WithCancel(context.Background())
	workers := make([]*Worker, 0, q.qcount)
	for qnum := range q.qcount {
		worker := NewWorker(uint16(qnum), q.qlen, q, q.logger)
		if err := worker.Run(wctx); err != nil {
			cancel()
			closeWorkers(workers)
			return fmt.Errorf("%d: worker run: %w", qnum, err)
		}
		workers = append(workers, worker)
	}

	if err := q.ipTablesUp(); err != nil {
		cancel()
		closeWorkers(workers)
		return fmt.Errorf("iptables up: %w", err)
	}

	q.cancel = cancel
	q.workers = workers

	return q.Memory.Attach(ctx)
}

func (q *NFQueue) Detach() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel == nil {
		return nil
	}

	var errs error
	// down iptables
	if err := q.ipTablesDown(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("iptables down: %w", err))
	}

	q.cancel()
	errs = errors.Join(errs, closeWorkers(q.workers))

	q.cancel = nil
	q.workers = nil

	return errors.Join(errs, q.Memory.Detach())
}

func (q *NFQueue) Close() error {
	return errors.Join(q.Detach(), q.Memory.Close())
}

func closeWorkers(workers []*Worker) error {
	var errs error
	for _, worker := range workers {
		if err := worker.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}

func (q *NFQueue) ruleArgs(action string) []string {
	return []string{
		action,
		"INPUT",
		"-j",
		"NFQUEUE",
		"--queue-balance",
		fmt.Sprintf("%d:%d", 0, q.qcount-1),
		"--queue-bypass",
	}
}

func (q *NFQueue) ipTablesUp() error {
	for i, bin := range []string{"iptables", "ip6tables"} {
		out, err := exec.Command(bin, q.ruleArgs("-I")...).CombinedOutput()
		if err != nil {
			if i > 0 {
				// roll back ipv4
				exec.Command("iptables", q.ruleArgs("-D")...).Run()
			}

			return fmt.Errorf("%s: %s", bin, out)
		}
	}

	return nil
}

func (q *NFQueue) ipTablesDown() error {
	var errs error
	for _, bin := range []string{"iptables", "ip6tables"} {
		out, err := exec.Command(bin, q.ruleArgs("-D")...).CombinedOutput()
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("%s: %s", bin, out))
		}
	}

	return errs
}

type Classifier interface {
	Classify(addr netip.Addr) types.Decision
}

type Worker struct {
	qnum uint16
	qlen uint32

	classifier Classifier
	logger     *logger.Logger

	nfq *nfqueue.Nfqueue
}

func NewWorker(qnum uint16, qlen uint32, classifier Classifier, logger *logger.Logger) *Worker {
	return &Worker{
		qnum:       qnum,
		qlen:       qlen,
		classifier: classifier,
		logger:     logger,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	w.logger.Raw().
		Info().
		Uint16("qnum", w.qnum).
		Msg("Running worker...")

	// open nfqueue
	nfq, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      w.qnum,
		MaxQueueLen:  w.qlen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		MaxPacketLen: 0xFFFF,
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	w.nfq = nfq

	// register nfqueue handlers
	if err := nfq.RegisterWithErrorFunc(ctx, w.hookFn, w.errFn); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	return nil
}

func (w *Worker) hookFn(a nfqueue.Attribute) int {
	// accept empty payload
	if a.Payload == nil {
		w.nfq.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		return 0
	}

	// accept broken packet
	packet, err := types.NewPacket(*a.Payload)
	if err != nil {
		w.logger.Log(event.NewError(zerolog.DebugLevel, "packet skipped", err))

		w.nfq.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		return 0
	}

	// accept invalid packet
	srcIP, ok := packet.GetSrcIP()
	if !ok {
		w.nfq.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		return 0
	}

	if w.classifier.Classify(srcIP).Verdict == types.VerdictDrop {
		w.nfq.SetVerdict(*a.PacketID, nfqueue.NfDrop)
		return 0
	}

	w.nfq.SetVerdict(*a.PacketID, nfqueue.NfAccept)
	return 0
}

func (w *Worker) errFn(err error) int {
	w.logger.Log(event.NewError(zerolog.ErrorLevel, "error skipped", err))
	return 0
}

func (w *Worker) Close() error {
	if w.nfq != nil {
		return w.nfq.Close()
	}

	return nil
}
