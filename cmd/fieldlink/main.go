// fieldlink - FMS to driver station link core.
//
// fieldlink assigns teams to alliance stations, holds each driver
// station's TCP session, sends the 50 Hz UDP control stream, classifies
// link health from the returning status packets and runs the match
// timer. A REST API, an operator console and MQTT telemetry sit on top.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fieldlink-project/fieldlink/internal/api"
	"github.com/fieldlink-project/fieldlink/internal/cli"
	"github.com/fieldlink-project/fieldlink/internal/config"
	"github.com/fieldlink-project/fieldlink/internal/db"
	"github.com/fieldlink-project/fieldlink/internal/events"
	"github.com/fieldlink-project/fieldlink/internal/field"
	"github.com/fieldlink-project/fieldlink/internal/health"
	"github.com/fieldlink-project/fieldlink/internal/match"
	"github.com/fieldlink-project/fieldlink/internal/network"
	"github.com/fieldlink-project/fieldlink/internal/plc"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/scheduler"
	"github.com/fieldlink-project/fieldlink/internal/telemetry"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

const Banner = `
   __ _      _     _ _ _       _
  / _(_) ___| | __| | (_)_ __ | | __
 | |_| |/ _ \ |/ _' | | | '_ \| |/ /
 |  _| |  __/ | (_| | | | | | |   <
 |_| |_|\___|_|\__,_|_|_|_| |_|_|\_\  v%s
 FMS / Driver Station link
`

var (
	configDir string
	noConsole bool
)

var rootCmd = &cobra.Command{
	Use:   "fieldlink",
	Short: "FMS to driver station link core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
	SilenceUsage: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Run the first-run setup wizard again",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configDir)
		if err != nil {
			return err
		}
		return config.RunSetupWizard(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fieldlink %s (%s/%s)\n", util.Version, runtime.GOOS, runtime.GOARCH)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", config.DefaultConfigDir, "configuration directory")
	rootCmd.Flags().BoolVar(&noConsole, "no-console", false, "disable the interactive operator console")
	rootCmd.AddCommand(setupCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	bootLog, err := util.InitLogger(util.DefaultLogConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting fieldlink")

	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.IsFirstRun() && !noConsole {
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}

	app := cfg.GetApplicationData()
	logCloser, err := util.InitLogger(util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
		defer bootLog.Close()
	} else {
		bootLog.Close()
		defer logCloser.Close()
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	fieldData := cfg.GetFieldData()
	clock := clockwork.NewRealClock()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eventBus := events.NewEventBus()

	// Stations and their DS addresses.
	registry := network.NewStationRegistry()
	applyStaticStations(registry, fieldData.StaticStations)

	transport, err := network.NewUDPTransport(registry, uint16(fieldData.DSSendPort))
	if err != nil {
		return fmt.Errorf("failed to open UDP transport: %w", err)
	}
	defer transport.Close()

	// Field e-stop: the operator switch OR'd with the PLC chain.
	operatorEstop := plc.NewStatic(false, eventBus)
	estops := plc.Any{operatorEstop}
	var fieldPLC *plc.ModbusPLC
	if fieldData.PLC.Enabled {
		fieldPLC = plc.NewModbusPLC(plc.Config{
			Address:      fieldData.PLC.Address,
			UnitID:       uint8(fieldData.PLC.UnitID),
			EstopInput:   uint16(fieldData.PLC.EstopInput),
			PollInterval: fieldData.PLC.PollInterval(),
			Timeout:      fieldData.PLC.Timeout(),
			MaxBackoff:   fieldData.PLC.MaxBackoff(),
		}, plc.DialTCP, clock, eventBus)
		estops = append(estops, fieldPLC)
	} else if fieldData.PLC.AssertOnStartup {
		// Without a PLC the operator clears the e-stop once the field is safe.
		operatorEstop.Set(true)
	}

	link := fieldData.Link
	supervisor, err := field.NewLinkSupervisor(field.SupervisorConfig{
		Transport: transport,
		Resolver:  registry,
		Estop:     estops,
		Emitter:   eventBus,
		Clock:     clock,
		Timing: field.Timing{
			SendInterval:    link.SendInterval(),
			DegradedTimeout: link.DegradedTimeout(),
			LostTimeout:     link.LostTimeout(),
			MissedThreshold: link.MissedThreshold,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create link supervisor: %w", err)
	}

	controller := match.NewController(supervisor, eventBus, clock, match.Durations{
		Auto:   fieldData.Match.AutoDuration(),
		Pause:  fieldData.Match.PauseDuration(),
		Teleop: fieldData.Match.TeleopDuration(),
	})
	if err := controller.Load(protocol.LevelTest, uint16(fieldData.Match.DefaultMatchNumber), 1); err != nil {
		return err
	}
	if err := applyLineup(cfg, supervisor, controller, registry); err != nil {
		log.Warn().Err(err).Msg("lineup not applied")
	}

	// Bus consumers.
	eventLog, err := db.NewEventLog(resolvePath(cfg.Dir(), app.Database.Path))
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer eventLog.Close()
	eventBus.SubscribeAll("event_log", eventLog.HandleEvent)
	eventBus.SubscribeAll("metrics", telemetry.RecordEvent)
	prometheus.MustRegister(telemetry.NewSnapshotCollector(supervisor))

	warnings := network.NewSourceWarnings(link.UnknownSourceWarnInterval())
	eventBus.Subscribe(events.EventUnknownSource, "source_warnings", warnings.HandleUnknownSource)

	linkMonitor := health.NewLinkMonitor(eventBus, clock, app.Alerts.MaxTransitionsPerHour, app.Alerts.MaxMissedPerHour)
	linkMonitor.Subscribe(eventBus)

	// The console's quit command emits a shutdown event.
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	tcpListener := network.NewTCPListener(network.TCPListenerConfig{
		Address:          net.JoinHostPort(fieldData.BindAddress, strconv.Itoa(fieldData.DSTCPPort)),
		LinkTimeout:      link.TCPLinkTimeout(),
		HandshakeTimeout: link.HandshakeTimeout(),
		CheckTeamSubnet:  fieldData.CheckTeamSubnet,
	}, supervisor, registry)
	udpListener := network.NewUDPStatusListener(
		net.JoinHostPort(fieldData.BindAddress, strconv.Itoa(fieldData.DSReceivePort)), supervisor, clock)

	healthMgr := health.NewManager(cfg, eventBus, supervisor, registry, linkMonitor, clock)
	sched := scheduler.NewScheduler(cfg, eventLog, clock)

	apiServer := api.NewServer(cfg, api.Deps{
		Field:       supervisor,
		Match:       controller,
		Estop:       operatorEstop,
		EventLog:    eventLog,
		Links:       linkMonitor,
		Connections: registry,
		Emitter:     eventBus,
	})

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, supervisor)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	goTask := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msgf("starting %s", name)
			fn()
		}()
	}

	goTask("DS TCP listener", func() {
		if err := startWithRetry(ctx, "TCP listener", tcpListener.Start, 5); err != nil {
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	})
	goTask("DS status listener", func() {
		if err := startWithRetry(ctx, "UDP status listener", udpListener.Start, 5); err != nil {
			errCh <- fmt.Errorf("udp status listener: %w", err)
		}
	})
	goTask("link supervisor", func() {
		if err := supervisor.Run(ctx, controller); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("link supervisor: %w", err)
		}
	})
	goTask("match controller", func() {
		controller.Run(ctx, fieldData.Match.AdvanceInterval())
	})
	if fieldPLC != nil {
		goTask("PLC poller", func() { fieldPLC.Run(ctx) })
	}
	goTask("REST API server", func() {
		if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	})
	goTask("health check manager", func() { healthMgr.Start(ctx) })
	goTask("task scheduler", func() { sched.Start(ctx) })
	if mqttHandler != nil {
		goTask("MQTT telemetry", func() {
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		})
	}
	if !noConsole {
		console := cli.NewCLI(cfg, eventBus, supervisor, controller, operatorEstop)
		goTask("operator console", func() { console.Start(ctx) })
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown request")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	registry.CloseAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(15 * time.Second):
		log.Warn().Msg("shutdown timed out after 15 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("fieldlink stopped")
	return nil
}

// resolvePath anchors a relative path at the config directory.
func resolvePath(dir, p string) string {
	if p == "" || p == db.MemoryPath || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
