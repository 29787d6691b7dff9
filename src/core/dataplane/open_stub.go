//go:build !linux

package dataplane

import (
	"fmt"

	"github.com/cnaize/geofw/src/config"
	"github.com/cnaize/geofw/src/core/logger"
)

func Open(cfg config.DataplaneConfig, _ *logger.Logger) (Dataplane, error) {
	if cfg.Mode == config.ModeMemory {
		return NewMemory(cfg.Slots, cfg.CapacityV4, cfg.CapacityV6, cfg.Events), nil
	}

	return nil, fmt.Errorf("dataplane mode %q requires linux", cfg.Mode)
}
