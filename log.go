package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
)

// logOutput is the log file, or nil when logging to a file is disabled.
var logOutput io.Writer

// setupLog sends the log to narrator.log in the user cache directory, so
// it never draws over the terminal UI.
func setupLog() (func() error, error) {
	log.SetOutput(io.Discard)

	// Log to file, if set
	logFile, err := getLogFilePath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		// log disabled
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		// log disabled
		return func() error { return nil }, nil
	}
	logOutput = f
	log.SetOutput(f)
	log.SetLevel(log.InfoLevel)
	return f.Close, nil
}

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "narrator").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "narrator.log"), nil
}

// setLogLevel applies the configured level name, with debug taking
// precedence.
func setLogLevel(name string, debug bool) error {
	if debug {
		log.SetLevel(log.DebugLevel)
		return nil
	}
	if name == "" {
		return nil
	}
	level, err := log.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", name, err)
	}
	log.SetLevel(level)
	return nil
}

// logToStderr mirrors the log to stderr, for headless runs.
func logToStderr() {
	if logOutput == nil {
		log.SetOutput(os.Stderr)
		return
	}
	log.SetOutput(io.MultiWriter(logOutput, os.Stderr))
}
