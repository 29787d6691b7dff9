package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/appleboy/graceful"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/cnaize/geofw/src/config"
	"github.com/cnaize/geofw/src/core"
	"github.com/cnaize/geofw/src/core/compiler"
	"github.com/cnaize/geofw/src/core/dataplane"
	"github.com/cnaize/geofw/src/core/logger"
	"github.com/cnaize/geofw/src/core/policy"
	"github.com/cnaize/geofw/src/core/reconciler"
	"github.com/cnaize/geofw/src/core/source"
	"github.com/cnaize/geofw/src/database"
	"github.com/cnaize/geofw/src/server"
	"github.com/cnaize/geofw/src/types"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "geofw",
	Short:         "Geolocation aware packet filter",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.String("interface", "", "network interface to attach to")
	flags.String("mode", config.ModeXDP, "dataplane mode: xdp, nfqueue or memory")
	flags.Uint("qcount", 0, "set nfqueue count")
	flags.String("license-key", "", "maxmind license key")
	flags.Duration("update-interval", 0, "database refresh frequency")
	flags.String("addr", "", "api listen address")
	flags.String("log-level", "", "log level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// overrides maps config keys to the flags that were actually set.
func overrides(flags *pflag.FlagSet) map[string]*pflag.Flag {
	keys := map[string]string{
		"interface":       "dataplane.interface",
		"mode":            "dataplane.mode",
		"qcount":          "dataplane.queue_count",
		"license-key":     "source.license_key",
		"update-interval": "source.refresh_interval",
		"addr":            "api.addr",
		"log-level":       "log.level",
	}

	res := make(map[string]*pflag.Flag)
	for name, key := range keys {
		if flags.Changed(name) {
			res[key] = flags.Lookup(name)
		}
	}

	return res
}

func loadPolicy(cfg *config.Config) (*policy.Policy, error) {
	return policy.Parse(cfg.Policy.Default, cfg.Policy.Countries, cfg.Policy.Continents, cfg.Policy.ASNs)
}

func run(cmd *cobra.Command, args []string) error {
	flags := overrides(cmd.Flags())

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return err
	}

	// create logger
	raw, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	log := logger.NewLogger(raw, cfg.Log.Queue)
	raw.Info().Str("mode", cfg.Dataplane.Mode).Msg("Running geofw...")

	// main context
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	log.Run(mainCtx, cfg.Log.Workers)

	p, err := loadPolicy(cfg)
	if err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}

	db := database.NewDatabase(cfg.StatePath, log)
	if err := db.Init(mainCtx); err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	dp, err := dataplane.Open(cfg.Dataplane, log)
	if err != nil {
		return fmt.Errorf("open dataplane: %w", err)
	}

	sampler, err := logger.NewSampler(cfg.Log.Suppress, cfg.Log.SuppressMax)
	if err != nil {
		return fmt.Errorf("create sampler: %w", err)
	}

	loop, err := core.NewLoop(
		core.LoopConfig{
			RefreshInterval: cfg.Source.RefreshInterval,
			FetchTimeout:    cfg.Source.FetchTimeout,
			StatsInterval:   cfg.Dataplane.Stats,
			Verify:          cfg.Source.Verify,
			Watch:           cfg.Source.Watch,
			LogVerdicts:     cfg.Log.Verdicts,
		},
		source.New(cfg.Source, log),
		source.NewCache(cfg.Source.CacheDir),
		compiler.New(p, compiler.WithMaterializeDefaults(cfg.Policy.MaterializeDefaults)),
		dp,
		reconciler.New(dp, log,
			reconciler.WithGrace(cfg.Dataplane.Grace),
			reconciler.WithChunkSize(cfg.Dataplane.ChunkSize),
		),
		db,
		sampler,
		log,
	)
	if err != nil {
		return fmt.Errorf("create loop: %w", err)
	}

	if err := loop.Start(mainCtx); err != nil {
		// nothing is enforced yet, release what was loaded
		if cerr := loop.Close(); cerr != nil {
			raw.Error().Err(cerr).Msg("close loop")
		}

		return fmt.Errorf("start: %w", err)
	}

	srv := server.NewServer(cfg.API.Addr, cfg.API.Username, cfg.API.Password, loop)

	// run loop and api
	var runErr error
	m := graceful.NewManager(graceful.WithContext(mainCtx), graceful.WithLogger(logger.NewGraceful(raw)))
	m.AddRunningJob(func(ctx context.Context) error {
		defer mainCancel()

		select {
		case <-ctx.Done():
		default:
			if err := loop.Run(ctx); err != nil {
				raw.Error().Err(err).Msg("run")
				if errors.Is(err, types.ErrAttachment) {
					runErr = err
				}
			}
		}

		return nil
	})
	m.AddRunningJob(func(ctx context.Context) error {
		raw.Info().Str("addr", cfg.API.Addr).Msg("Serving api...")
		if err := srv.Run(ctx); err != nil {
			raw.Error().Err(err).Msg("serve api")
		}

		return nil
	})
	m.AddRunningJob(func(ctx context.Context) error {
		reload(ctx, flags, loop, raw)
		return nil
	})
	m.AddShutdownJob(srv.Close)
	m.AddShutdownJob(loop.Close)

	// wait till the end
	<-m.Done()

	// flush queued events
	mainCancel()
	log.Wait()

	return runErr
}

// reload re-reads the policy on SIGHUP and forces a cycle.
func reload(ctx context.Context, flags map[string]*pflag.Flag, loop *core.Loop, raw *zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}

		cfg, err := config.Load(configFile, flags)
		if err != nil {
			raw.Error().Err(err).Msg("reload config")
			continue
		}
		p, err := loadPolicy(cfg)
		if err != nil {
			raw.Error().Err(err).Msg("reload policy")
			continue
		}

		loop.SetPolicy(p, compiler.WithMaterializeDefaults(cfg.Policy.MaterializeDefaults))
		loop.Trigger(core.OriginReload)
		raw.Info().Int("entries", len(p.Entries())).Msg("Policy reloaded")
	}
}
