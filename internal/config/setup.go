package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/bedrock/internal/version"
)

// RunSetupWizard guides the user through first-time configuration, reading
// answers from in and writing prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	return runSetup(cfg, bufio.NewReader(in), out, 0)
}

const maxSetupAttempts = 3

func runSetup(cfg *Config, reader *bufio.Reader, out io.Writer, attempt int) error {
	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          Bedrock - First Run Setup           ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	cfg.mu.Lock()
	cfg.Mode = strings.ToLower(promptString(reader, out, "Mode (server/relay)", cfg.Mode))

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Listener ──")

	s := &cfg.Server
	s.Host = promptString(reader, out, "Listen address", s.Host)
	s.Port = promptInt(reader, out, "Listen port", s.Port)
	_, latest := version.Latest()
	s.Version = promptString(reader, out, fmt.Sprintf("Game version (latest %s)", latest), s.Version)
	s.MOTD = promptString(reader, out, "Server name (motd)", s.MOTD)
	s.MaxPlayers = promptInt(reader, out, "Max players", s.MaxPlayers)
	s.Backend = promptString(reader, out, "Transport backend (software/accelerated/websocket)", s.Backend)

	if cfg.Mode == ModeRelay {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Upstream ──")

		d := &cfg.Relay.Destination
		d.Host = promptString(reader, out, "Destination host", d.Host)
		d.Port = promptInt(reader, out, "Destination port", d.Port)
		cfg.Client.Version = s.Version
		if p, ok := version.ProtocolFor(s.Version); ok {
			cfg.Client.ProtocolVersion = p
		}
		cfg.Client.Username = promptString(reader, out, "Relay username", cfg.Client.Username)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Operations ──")

	app := &cfg.ApplicationData
	app.API.Enabled = promptBool(reader, out, "Enable REST API", app.API.Enabled)
	if app.API.Enabled {
		app.API.Port = promptInt(reader, out, "REST API port", app.API.Port)
	}
	app.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", app.MQTT.Enabled)
	if app.MQTT.Enabled {
		app.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", app.MQTT.BrokerURL)
	}
	cfg.mu.Unlock()

	result := Validate(cfg)
	if !result.IsValid() {
		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt+1 < maxSetupAttempts {
			retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
			if strings.ToLower(retry) == "yes" {
				return runSetup(cfg, reader, out, attempt+1)
			}
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

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
