package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard guides the operator through first-time configuration.
func RunSetupWizard(cfg *Config) error {
	return runSetup(cfg, os.Stdin, os.Stdout)
}

func runSetup(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	p := prompter{reader: reader, out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          fieldlink - First Run Setup         ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fd := cfg.GetFieldData()
	app := cfg.GetApplicationData()

	fmt.Fprintln(out, "── Event ──")
	fd.EventName = p.String("Event name", fd.EventName)
	fd.LineupFile = p.String("Lineup file (relative to the config directory)", fd.LineupFile)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Network ──")
	fd.BindAddress = p.String("Bind address (blank for all interfaces)", fd.BindAddress)
	fd.APIPort = p.Int("REST API port", fd.APIPort)
	fd.CheckTeamSubnet = p.Bool("Require driver stations on 10.TE.AM.x", fd.CheckTeamSubnet)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Field PLC ──")
	fd.PLC.Enabled = p.Bool("Read the field e-stop from a PLC", fd.PLC.Enabled)
	if fd.PLC.Enabled {
		fd.PLC.Address = p.String("PLC Modbus address (host:port)", fd.PLC.Address)
		fd.PLC.EstopInput = p.Int("E-stop discrete input", fd.PLC.EstopInput)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── MQTT Telemetry ──")
	app.MQTT.Enabled = p.Bool("Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = p.String("MQTT broker host", app.MQTT.BrokerURL)
		app.MQTT.Port = p.Int("MQTT broker port", app.MQTT.Port)
	}

	cfg.SetFieldData(fd)
	cfg.SetApplicationData(app)

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if p.Bool("Would you like to try again?", true) {
			return runSetup(cfg, reader, out)
		}
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	fmt.Fprintln(out)

	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
}

func (p prompter) read() string {
	input, _ := p.reader.ReadString('\n')
	return strings.TrimSpace(input)
}

func (p prompter) String(prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}

	input := p.read()
	if input == "" {
		return defaultVal
	}
	return input
}

func (p prompter) Int(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)

	input := p.read()
	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(p.out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func (p prompter) Bool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.read())
	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
