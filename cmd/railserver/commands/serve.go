package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	railauth "github.com/resonance-rail/railserver/auth"
	"github.com/resonance-rail/railserver/db"
	"github.com/resonance-rail/railserver/internal/config"
	"github.com/resonance-rail/railserver/internal/rail/absorption"
	"github.com/resonance-rail/railserver/internal/rail/auth"
	"github.com/resonance-rail/railserver/internal/rail/core"
	"github.com/resonance-rail/railserver/internal/rail/firewall"
	"github.com/resonance-rail/railserver/internal/rail/kuramoto"
	"github.com/resonance-rail/railserver/internal/rail/metadata"
	"github.com/resonance-rail/railserver/internal/rail/ratelimit"
	"github.com/resonance-rail/railserver/internal/rail/router"
	"github.com/resonance-rail/railserver/internal/rail/storage"
	"github.com/resonance-rail/railserver/internal/rail/synth"
	"github.com/resonance-rail/railserver/internal/rail/types"
	"github.com/resonance-rail/railserver/internal/rail/ws"
	"github.com/resonance-rail/railserver/logger"
	"github.com/resonance-rail/railserver/version"
)

// ServeCmd starts the rail server: it brings up storage, every rail
// component, the Core hub goroutine, and the WebSocket/HTTP listener, then
// blocks until a shutdown signal arrives.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server", "run"},
	Short:   "Start the resonance rail server",
	RunE:    runServe,
}

var serveGraceMs int

func init() {
	ServeCmd.Flags().IntVar(&serveGraceMs, "grace-ms", 3000, "Grace period between the go_away notice and forced shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.Logger.Named("rail")

	dbPath := cfg.DataDir + "/railserver.db"
	sqlDB, err := db.OpenWithMigrations(dbPath, log)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer sqlDB.Close()

	var store storage.Store = storage.NewSQLStore(sqlDB, log)

	kuramotoEngine := kuramoto.New(kuramoto.Config{
		CouplingInitial:       cfg.CouplingInitial,
		CouplingMin:           cfg.CouplingMin,
		CouplingMax:           cfg.CouplingMax,
		CouplingStep:          cfg.CouplingStep,
		CoherenceThreshold:    cfg.CoherenceThreshold,
		GroupthinkThreshold:   cfg.GroupthinkThreshold,
		CrossModelAttenuation: cfg.CrossModelAttenuation,
		StaleOscillatorTTL:    cfg.StaleOscillatorTTL,
		FloodReportsPerWindow: cfg.FloodReportsPerWindow,
		FloodWindow:           cfg.FloodWindow,
		FloodPenalty:          cfg.FloodPenalty,
	})

	thermoRouter := router.New(router.Weights{
		WLoad:       cfg.RouterWeightLoad,
		WCoherence:  cfg.RouterWeightCoherence,
		WSemantic:   cfg.RouterWeightSemantic,
		Temperature: cfg.RouterTemperature,
	})

	absorptionProtocol := absorption.New(absorption.Config{
		InteractionThreshold: cfg.AbsorptionInteractionThreshold,
		AlignmentThreshold:   cfg.AbsorptionAlignmentThreshold,
	})
	secrets := auth.NewSecretRegistry()
	reconnects := auth.NewReconnectStore(cfg.ReconnectTokenTTL)
	wall := firewall.New(firewall.Profile(cfg.FirewallProfile))
	limiter := ratelimit.New(ratelimit.Config{
		JoinsPerMinute:      cfg.RateLimitJoinsPerMinute,
		MessagesPerSecond:   cfg.RateLimitMessagesPerSecond,
		BroadcastsPerSecond: cfg.RateLimitBroadcastsPerSecond,
	})
	synthesizer := synth.New(store)

	var jwtMgr *railauth.JWTManager
	jwtMgr, err = railauth.NewJWTManager(cfg)
	if err != nil {
		log.Warnw("failed to initialize JWT manager, browser-runtime bearer auth disabled", "error", err)
		jwtMgr = nil
	}

	// listener is wired into Core's Sink as a forwarding closure because
	// Core.New needs a Sink before ws.New can exist (ws.New needs a
	// *core.Core to register leaves against). listener is assigned once,
	// before Core.Run starts consuming from the Sink, so no
	// synchronization is needed here.
	var listener *ws.Listener
	sink := func(d core.Delivery) {
		if listener != nil {
			listener.Deliver(d)
		}
	}

	railCore := core.New(core.Deps{
		Config:      *cfg,
		Kuramoto:    kuramotoEngine,
		Router:      thermoRouter,
		Absorption:  absorptionProtocol,
		Secrets:     secrets,
		Reconnects:  reconnects,
		Firewall:    wall,
		Limiter:     limiter,
		Store:       store,
		Synthesizer: synthesizer,
		Sink:        sink,
		Logger:      log,
	})

	listener = ws.New(*cfg, railCore, secrets, jwtMgr, log)

	metadataBroadcaster := metadata.New(
		metadata.Config{Interval: cfg.BroadcastInterval, FullSnapshotEvery: cfg.FullSnapshotEvery},
		railCore.MetadataSnapshot,
		func(msg types.Message) { listener.Deliver(core.Delivery{Message: msg}) },
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go metadataBroadcaster.Run(ctx)

	coreDone := make(chan struct{})
	go func() {
		defer close(coreDone)
		railCore.Run(ctx)
	}()

	printStartupBanner(cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- listener.Serve(ctx, fmt.Sprintf(":%d", cfg.Port))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		cancel()
		railCore.Stop(0)
		<-coreDone
		return fmt.Errorf("server failed: %w", err)

	case <-sigCh:
		pterm.Info.Println("shutting down gracefully (press Ctrl+C again to force)...")
		railCore.Stop(serveGraceMs)

		shutdownDone := make(chan struct{})
		go func() {
			<-railCore.Done()
			cancel()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			<-errCh
			pterm.Success.Println("rail server stopped cleanly")
			return nil
		case <-sigCh:
			pterm.Warning.Println("force shutdown - exiting immediately")
			os.Exit(1)
			return nil
		case <-time.After(time.Duration(serveGraceMs)*time.Millisecond + 10*time.Second):
			pterm.Warning.Println("shutdown grace period exceeded - exiting")
			os.Exit(1)
			return nil
		}
	}
}

func printStartupBanner(cfg *config.Config) {
	info := version.Get()
	title := pterm.NewStyle(pterm.FgCyan).Sprint("resonance rail")
	fmt.Printf("\n%s — version %s (commit %s)\n\n", title, info.Version, info.Short())
	pterm.Info.Printf("listening on :%d · coupling=%.2f coherence_threshold=%.2f firewall=%s\n",
		cfg.Port, cfg.CouplingInitial, cfg.CoherenceThreshold, cfg.FirewallProfile)
}
