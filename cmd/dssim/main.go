// dssim emulates one driver station against a fieldlink FMS for bench
// testing without a robot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fieldlink-project/fieldlink/internal/dssim"
	"github.com/fieldlink-project/fieldlink/internal/protocol"
	"github.com/fieldlink-project/fieldlink/internal/util"
)

var (
	cfg      dssim.Config
	team     uint16
	logLevel string
	retry    time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "dssim",
	Short:        "Emulate a driver station against fieldlink",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		logCfg := util.DefaultLogConfig()
		logCfg.Level = logLevel
		logCfg.Directory = ""
		if _, err := util.InitLogger(logCfg); err != nil {
			return err
		}

		cfg.Team = team
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log.Info().
			Uint16("team", cfg.Team).
			Str("fms", cfg.FMSHost).
			Float64("battery", cfg.Battery).
			Msg("starting driver station emulator")
		return dssim.Run(ctx, cfg, retry)
	},
}

func main() {
	flags := rootCmd.Flags()
	flags.Uint16Var(&team, "team", 0, "team number to announce")
	flags.StringVar(&cfg.FMSHost, "fms", "10.0.100.5", "FMS address")
	flags.IntVar(&cfg.TCPPort, "tcp-port", protocol.DSTCPListenPort, "FMS TCP port")
	flags.IntVar(&cfg.ControlPort, "control-port", protocol.DSUDPSendPort, "local UDP port for control packets")
	flags.IntVar(&cfg.StatusPort, "status-port", protocol.DSUDPReceivePort, "FMS UDP port for status packets")
	flags.Float64Var(&cfg.Battery, "battery", 12.5, "reported battery voltage")
	flags.BoolVar(&cfg.RobotLinked, "robot", true, "report robot comms as up")
	flags.IntVar(&cfg.DropEvery, "drop-every", 0, "skip every Nth status reply")
	flags.StringVar(&logLevel, "log-level", "info", "log level")
	flags.DurationVar(&retry, "retry", 2*time.Second, "pause between reconnect attempts")
	_ = rootCmd.MarkFlagRequired("team")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
