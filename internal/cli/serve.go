package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyunwoo/reportd/internal/config"
	"github.com/hyunwoo/reportd/internal/logger"
	"github.com/hyunwoo/reportd/internal/metrics"
	"github.com/hyunwoo/reportd/pkg/agent"
	"github.com/hyunwoo/reportd/pkg/gateway"
	"github.com/hyunwoo/reportd/pkg/invoker"
	"github.com/hyunwoo/reportd/pkg/peer"
	"github.com/hyunwoo/reportd/pkg/schedule"
	"github.com/hyunwoo/reportd/pkg/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reportd daemon",
	Long: `Run the daemon: launch and supervise the configured peers, watch
the peers.d directory for config changes, serve the session API and
fire scheduled report sessions until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	lg, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer lg.Close()
	log := lg.Zerolog()

	met := metrics.New()

	sup := peer.NewSupervisor(log,
		peer.WithCallTimeout(time.Duration(cfg.Timeouts.CallSeconds)*time.Second),
		peer.WithStopGrace(time.Duration(cfg.Timeouts.StopGraceSeconds)*time.Second),
		peer.WithMetrics(met),
	)
	for _, pc := range cfg.Peers {
		if err := sup.Register(pc); err != nil {
			return fmt.Errorf("failed to register peer %s: %w", pc.Name, err)
		}
	}
	defer func() {
		if err := sup.ShutdownAll(); err != nil {
			log.Warn().Err(err).Msg("Peer shutdown reported errors")
		}
	}()

	var watcher *peer.Watcher
	if cfg.PeersDir != "" {
		if err := os.MkdirAll(cfg.PeersDir, 0755); err != nil {
			return fmt.Errorf("failed to create peers dir: %w", err)
		}
		watcher, err = peer.NewWatcher(cfg.PeersDir, sup, log)
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	dm, err := agent.NewDecisionMaker(cfg.Provider)
	if err != nil {
		return err
	}

	inv := invoker.New(sup, log, invoker.WithMetrics(met))
	manager := session.NewManager(sup, inv, dm, met, log,
		session.WithHardCeiling(cfg.Session.HardCeiling),
		session.WithSoftCeiling(cfg.Session.SoftCeiling),
	)

	sched, err := schedule.New(manager, cfg.Schedules, log)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	gw, err := gateway.NewServer(gateway.Config{
		Addr:    cfg.Gateway.Addr,
		Manager: manager,
		Sup:     sup,
		Metrics: met,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	if err := gw.Start(); err != nil {
		return err
	}
	defer func() {
		if err := gw.Stop(); err != nil {
			log.Warn().Err(err).Msg("Gateway shutdown reported errors")
		}
	}()

	retention := time.Duration(cfg.Session.RetentionHours) * time.Hour
	if retention > 0 {
		pruneTicker := time.NewTicker(time.Hour)
		defer pruneTicker.Stop()
		go func() {
			for range pruneTicker.C {
				manager.Prune(retention)
			}
		}()
	}

	log.Info().Str("version", version).Str("addr", cfg.Gateway.Addr).Int("peers", len(cfg.Peers)).Msg("reportd running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	return nil
}
