package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/charmbracelet/x/editor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfig = `# synthesis engine: mock, piper, gtts, exec or nats
engine: "mock"
# voice id, or a name such as "heart"
voice: "af_heart"
# speaking speed, 0.5 to 2.0
speed: 1.0
# paragraphs synthesized ahead of the one playing
preload: 1
# start narrating as soon as the TUI opens
autoplay: true
# style name or JSON path (default "auto")
style: "auto"
# watch the book for changes (TUI-mode only)
watch: false
# narrate without an audio device
silent: false
# log level: debug, info, warn or error
log_level: "info"
# time allowed for one synthesis call
timeout: "30s"

mock:
  # simulated synthesis time per sentence
  delay: "50ms"

piper:
  binary: "piper"
  # voice id -> model path; the model config is read from <model>.json
  voices:
    # en_us_lessac: "~/.local/share/piper/en_US-lessac-medium.onnx"

gtts:
  # calls to Google per minute
  requests_per_minute: 50

exec:
  # long-lived worker speaking newline-delimited JSON on stdin/stdout
  # command: "python3 -m kokoro_worker --device cpu"

nats:
  url: "nats://127.0.0.1:4222"
  prefix: "narrator.engine"
  timeout: "5s"

cache:
  # synthesized audio kept in memory for replays; 0 disables the cache
  size_mb: 64
  compress: true

audio:
  # device sample rate; 0 adopts the rate of the first segment
  sample_rate: 22050
  buffer_ms: 100
  volume: 1.0
`

var configCmd = &cobra.Command{
	Use:     "config",
	Hidden:  false,
	Short:   "Edit the narrator config file",
	Long:    paragraph(fmt.Sprintf("\n%s the narrator config file. We’ll use EDITOR to determine which editor to use. If the config file doesn't exist, it will be created.", keyword("Edit"))),
	Example: paragraph("narrator config\nnarrator config --config path/to/config.yml"),
	Args:    cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if err := ensureConfigFile(); err != nil {
			return err
		}

		c, err := editor.Cmd("Narrator", configFile)
		if err != nil {
			return fmt.Errorf("unable to set config file: %w", err)
		}
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		if err := c.Run(); err != nil {
			return fmt.Errorf("unable to run command: %w", err)
		}

		fmt.Println("Wrote config file to:", configFile)
		return nil
	},
}

func ensureConfigFile() error {
	if configFile == "" {
		configFile = viper.GetViper().ConfigFileUsed()
		if err := os.MkdirAll(filepath.Dir(configFile), 0o755); err != nil { //nolint:gosec
			return fmt.Errorf("could not write configuration file: %w", err)
		}
	}

	if ext := path.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("'%s' is not a supported configuration type: use '%s' or '%s'", ext, ".yaml", ".yml")
	}

	if _, err := os.Stat(configFile); errors.Is(err, fs.ErrNotExist) {
		// File doesn't exist yet, create all necessary directories and
		// write the default config file
		if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
			return fmt.Errorf("unable create directory: %w", err)
		}

		f, err := os.Create(configFile)
		if err != nil {
			return fmt.Errorf("unable to create config file: %w", err)
		}
		defer func() { _ = f.Close() }()

		if _, err := f.WriteString(defaultConfig); err != nil {
			return fmt.Errorf("unable to write config file: %w", err)
		}
	} else if err != nil { // some other error occurred
		return fmt.Errorf("unable to stat config file: %w", err)
	}
	return nil
}
