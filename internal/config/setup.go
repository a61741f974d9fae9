package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard walks an operator through the settings most deployments
// change, then validates and saves the result.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	p := &prompter{reader: reader, out: out}

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║          shardgate - First Run Setup         ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for {
		cfg.mu.Lock()
		fmt.Fprintln(out, "── Client Listener ──")
		cfg.Network.BindAddr = p.askString("Bind address", cfg.Network.BindAddr)
		cfg.Network.Port = p.askInt("Login port", cfg.Network.Port)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Protocol ──")
		cfg.Protocol.DefaultVersion = p.askString("Version assumed for legacy clients", cfg.Protocol.DefaultVersion)
		cfg.Protocol.AllowCompressionWithEncryption = p.askBool("Allow compression together with encryption",
			cfg.Protocol.AllowCompressionWithEncryption)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Shard ──")
		shard := ShardConfig{Name: "Local", Address: "127.0.0.1", Port: cfg.Network.Port + 1}
		if len(cfg.Shards) > 0 {
			shard = cfg.Shards[0]
		}
		shard.Name = p.askString("Shard name", shard.Name)
		shard.Address = p.askString("Shard IPv4 address", shard.Address)
		shard.Port = p.askInt("Shard port", shard.Port)
		if len(cfg.Shards) == 0 {
			cfg.Shards = []ShardConfig{shard}
		} else {
			cfg.Shards[0] = shard
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "── Services ──")
		cfg.API.Port = p.askInt("REST API port", cfg.API.Port)
		cfg.MQTT.Enabled = p.askBool("Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = p.askString("MQTT broker host", cfg.MQTT.BrokerURL)
		}
		cfg.mu.Unlock()

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\n⚠ Configuration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if p.eof || !p.askBool("Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "✓ Configuration saved successfully!")
	return nil
}

type prompter struct {
	reader *bufio.Reader
	out    io.Writer
	eof    bool
}

func (p *prompter) line() string {
	input, err := p.reader.ReadString('\n')
	if err != nil {
		p.eof = true
	}
	return strings.TrimSpace(input)
}

func (p *prompter) askString(prompt, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(p.out, "  %s: ", prompt)
	}
	if input := p.line(); input != "" {
		return input
	}
	return defaultVal
}

func (p *prompter) askInt(prompt string, defaultVal int) int {
	fmt.Fprintf(p.out, "  %s [%d]: ", prompt, defaultVal)
	input := p.line()
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

func (p *prompter) askBool(prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}
	fmt.Fprintf(p.out, "  %s [%s]: ", prompt, defaultStr)

	input := strings.ToLower(p.line())
	if input == "" {
		return defaultVal
	}
	return input == "yes" || input == "y" || input == "true" || input == "1"
}
