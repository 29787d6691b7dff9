//go:build linux

package dataplane

import (
	"fmt"

	"github.com/cnaize/geofw/src/config"
	"github.com/cnaize/geofw/src/core/logger"
)

func Open(cfg config.DataplaneConfig, logger *logger.Logger) (Dataplane, error) {
	switch cfg.Mode {
	case config.ModeXDP:
		return NewXDP(XDPConfig{
			Interface:     cfg.Interface,
			Object:        cfg.Object,
			Mode:          cfg.XDPMode,
			Slots:         cfg.Slots,
			CapacityV4:    cfg.CapacityV4,
			CapacityV6:    cfg.CapacityV6,
			Events:        cfg.Events,
			ReportAllowed: cfg.ReportAllowed,
		}, logger), nil
	case config.ModeNFQueue:
		mem := NewMemory(cfg.Slots, cfg.CapacityV4, cfg.CapacityV6, cfg.Events)
		return NewNFQueue(mem, cfg.QueueCount, cfg.QueueLen, logger), nil
	case config.ModeMemory:
		return NewMemory(cfg.Slots, cfg.CapacityV4, cfg.CapacityV6, cfg.Events), nil
	}

	return nil, fmt.Errorf("unknown dataplane mode %q", cfg.Mode)
}
