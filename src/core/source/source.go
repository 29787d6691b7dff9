package source

import (
	"context"
	"time"

	"github.com/cnaize/geofw/src/config"
	"github.com/cnaize/geofw/src/core/logger"
)

type Kind string

const (
	KindCountry Kind = "country"
	KindASN     Kind = "asn"
)

// Source returns the raw bytes of one database. Errors wrap types.ErrFetch.
type Source interface {
	Name() string
	Kinds() []Kind
	Fetch(ctx context.Context, kind Kind) ([]byte, error)
}

func New(cfg config.SourceConfig, logger *logger.Logger) Source {
	if cfg.Kind == config.SourceFile {
		paths := map[Kind]string{KindCountry: cfg.CountryFile}
		if cfg.ASNFile != "" {
			paths[KindASN] = cfg.ASNFile
		}

		return NewFile(paths)
	}

	editions := map[Kind]string{KindCountry: cfg.CountryEdition}
	if cfg.ASNEdition != "" {
		editions[KindASN] = cfg.ASNEdition
	}

	return NewMaxMind(MaxMindConfig{
		URL:        cfg.URL,
		LicenseKey: cfg.LicenseKey,
		Editions:   editions,
		Timeout:    cfg.FetchTimeout,
		Retries:    cfg.Retries,
		Backoff:    cfg.Backoff,
		MaxBackoff: cfg.MaxBackoff,
	}, logger)
}

type Watcher interface {
	Watch(ctx context.Context, settle time.Duration, trigger func()) error
}
