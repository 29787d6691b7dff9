//go:build linux

package dataplane

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Watcher reports removed interfaces, the hook goes with them.
type Watcher struct {
	logger    zerolog.Logger
	onRemoved func(name string)

	mu         sync.RWMutex
	interfaces map[string]struct{}

	done   chan struct{}
	nlDone chan struct{}
	once   sync.Once
}

func NewWatcher(logger *zerolog.Logger, onRemoved func(name string)) *Watcher {
	return &Watcher{
		logger:     logger.With().Str("component", "watcher").Logger(),
		onRemoved:  onRemoved,
		interfaces: make(map[string]struct{}),
		done:       make(chan struct{}),
		nlDone:     make(chan struct{}),
	}
}

func (w *Watcher) Start() error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})

	if err := netlink.LinkSubscribe(updates, done); err != nil {
		close(w.nlDone)
		return err
	}

	go w.watch(updates, done)

	return nil
}

func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.done)
	})
	<-w.nlDone
}

func (w *Watcher) Watch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.interfaces[name] = struct{}{}
	w.logger.Debug().Str("interface", name).Msg("watching interface")
}

func (w *Watcher) Unwatch(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.interfaces, name)
}

func (w *Watcher) watch(updates chan netlink.LinkUpdate, done chan struct{}) {
	defer close(w.nlDone)

	for {
		select {
		case <-w.done:
			close(done)
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			w.handle(update)
		}
	}
}

func (w *Watcher) handle(update netlink.LinkUpdate) {
	if update.Header.Type != unix.RTM_DELLINK {
		return
	}

	name := update.Attrs().Name
	w.mu.RLock()
	_, watched := w.interfaces[name]
	w.mu.RUnlock()

	if watched {
		w.logger.Warn().Str("interface", name).Msg("interface removed")
		w.onRemoved(name)
	}
}
