package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/c4milo/unpackit"
	"github.com/cenkalti/backoff/v4"

	"github.com/cnaize/geofw/src/core/logger"
	"github.com/cnaize/geofw/src/types"
)

var _ Source = (*MaxMind)(nil)

var ErrNoDatabase = errors.New("no .mmdb file in archive")

const DefaultMaxBackoff = 5 * time.Minute

type MaxMindConfig struct {
	URL        string
	LicenseKey string
	Editions   map[Kind]string
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// MaxMind downloads tar.gz editions from the MaxMind download service.
type MaxMind struct {
	cfg    MaxMindConfig
	client *http.Client
	logger *logger.Logger
}

func NewMaxMind(cfg MaxMindConfig, logger *logger.Logger) *MaxMind {
	return &MaxMind{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (s *MaxMind) Name() string {
	return "maxmind"
}

func (s *MaxMind) Kinds() []Kind {
	kinds := make([]Kind, 0, len(s.cfg.Editions))
	for kind := range s.cfg.Editions {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)

	return kinds
}

func (s *MaxMind) Fetch(ctx context.Context, kind Kind) ([]byte, error) {
	edition, ok := s.cfg.Editions[kind]
	if !ok {
		return nil, fmt.Errorf("%w: no %s edition configured", types.ErrFetch, kind)
	}

	var result []byte
	var errs error
	attempt := func() error {
		data, err := s.download(ctx, edition)
		if err != nil {
			errs = errors.Join(errs, err)
			return err
		}
		result = data

		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Raw().
			Warn().
			Err(err).
			Str("edition", edition).
			Dur("wait", wait).
			Msg("retrying download")
	}

	if err := backoff.RetryNotify(attempt, s.retryPolicy(ctx), notify); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			errs = errors.Join(errs, cerr)
		}

		return nil, fmt.Errorf("%w: %s: %w", types.ErrFetch, edition, errs)
	}

	return result, nil
}

// retryPolicy doubles the wait from Backoff up to MaxBackoff, for at most
// Retries extra attempts.
func (s *MaxMind) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = s.cfg.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxBackoff
	}
	b.InitialInterval = min(s.cfg.Backoff, b.MaxInterval)
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.cfg.Retries, 0))), ctx)
}

func (s *MaxMind) download(ctx context.Context, edition string) ([]byte, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	query := u.Query()
	query.Set("edition_id", edition)
	query.Set("license_key", s.cfg.LicenseKey)
	query.Set("suffix", "tar.gz")
	u.RawQuery = query.Encode()

	// create request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	// do request
	resp, err := s.client.Do(req)
	if err != nil {
		// the license key is part of the url
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}

		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	dir, err := os.MkdirTemp("", "geofw-")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := unpackit.Unpack(resp.Body, dir); err != nil {
		return nil, fmt.Errorf("unpack: %w", err)
	}

	path, err := findDatabase(dir)
	if err != nil {
		return nil, err
	}

	return os.ReadFile(path)
}

func findDatabase(dir string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".mmdb") {
			found = path
			return fs.SkipAll
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk: %w", err)
	}
	if found == "" {
		return "", ErrNoDatabase
	}

	return found, nil
}
