// Package main provides the entry point for the narrator CLI application.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/audio"
	"github.com/dgnsrekt/narrator/internal/book"
	"github.com/dgnsrekt/narrator/internal/engine"
	"github.com/dgnsrekt/narrator/internal/loop"
	"github.com/dgnsrekt/narrator/internal/narration"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/dgnsrekt/narrator/internal/voice"
	"github.com/dgnsrekt/narrator/ui"
	"github.com/mitchellh/go-homedir"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	voiceName  string
	speed      float64
	engineName string
	preload    int
	style      string
	silent     bool
	headless   bool
	watch      bool
	mouse      bool
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "narrator [BOOK]",
		Short: "Narrate books in the terminal",
		Long: paragraph(
			fmt.Sprintf("\nNarrate books in the terminal, %s.", keyword("one paragraph at a time")),
		),
		Example: paragraph("narrator book.md\nnarrator --engine piper --voice en_US-lessac book.yaml\nnarrator --headless --silent book.json"),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		Args:             cobra.MaximumNArgs(1),
		ValidArgsFunction: func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
			return []string{"md", "markdown", "json", "yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
		RunE: execute,
	}
)

// validateStyle checks if the style is a default style, if not, checks that
// the custom style exists.
func validateStyle(style string) error {
	if style != styles.AutoStyle && styles.DefaultStyles[style] == nil {
		style, err := homedir.Expand(style)
		if err != nil {
			return fmt.Errorf("unable to expand style path: %w", err)
		}
		if _, err := os.Stat(style); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("specified style does not exist: %s", style)
		} else if err != nil {
			return fmt.Errorf("unable to stat file: %w", err)
		}
	}
	return nil
}

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	// grab config values from Viper
	voiceName = resolveVoice(viper.GetString("voice"))
	speed = viper.GetFloat64("speed")
	engineName = viper.GetString("engine")
	preload = viper.GetInt("preload")
	silent = viper.GetBool("silent")
	headless = viper.GetBool("headless")
	watch = viper.GetBool("watch")
	mouse = viper.GetBool("mouse")
	debug = viper.GetBool("debug")

	if err := setLogLevel(viper.GetString("log_level"), debug); err != nil {
		return err
	}

	if speed < ttypes.MinSpeed || speed > ttypes.MaxSpeed {
		return fmt.Errorf("%w: %.2f", ttypes.ErrInvalidSpeed, speed)
	}
	if preload < 0 {
		return fmt.Errorf("preload must not be negative, got %d", preload)
	}
	if _, err := ttypes.ParseEngineType(engineName); err != nil {
		return err
	}

	// validate the glamour style
	style = viper.GetString("style")
	if err := validateStyle(style); err != nil {
		return err
	}

	isTerminal := term.IsTerminal(int(os.Stdout.Fd()))
	if !isTerminal && !cmd.Flags().Changed("headless") {
		headless = true
	}
	return nil
}

// resolveVoice expands a short voice name such as "heart" to its id. Names
// that match no standard voice are passed through for the engine to judge.
func resolveVoice(name string) string {
	if name == "" {
		return voice.Default
	}
	if _, err := voice.Parse(name); err == nil {
		return name
	}
	v, err := voice.NewCatalog(voice.Standard).Resolve(name)
	if err != nil {
		return name
	}
	log.Debug("Resolved voice", "name", name, "voice", v.ID)
	return v.ID
}

func execute(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return errors.New("missing book: pass a .md, .json or .yaml file, or find one with `narrator library`")
	}

	provider, err := book.Open(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := loadEngineSettings()
	if err != nil {
		return err
	}
	eng, cleanup, err := newEngine(ctx, settings)
	if err != nil {
		return fmt.Errorf("unable to start %s engine: %w", settings.Kind, err)
	}
	defer cleanup()

	sink, closeSink, err := newSink(silent)
	if err != nil {
		_ = eng.Close()
		return err
	}
	defer closeSink() //nolint:errcheck

	l := loop.New()
	go func() { _ = l.Run(ctx) }()
	defer l.Close()

	cfg := narration.DefaultConfig()
	cfg.Voice = voiceName
	cfg.Speed = speed
	cfg.PreloadDepth = preload

	log.Info("Narrating", "book", provider.Path, "engine", settings.Kind, "voice", cfg.Voice, "speed", cfg.Speed)

	if headless {
		logToStderr()
		return runHeadless(ctx, l, eng, sink, provider, cfg, os.Stdout)
	}
	return runTUI(ctx, provider.Path, l, eng, sink, provider, cfg)
}

// runHeadless narrates the whole book, printing each sentence as it is
// spoken, and returns once it ends.
func runHeadless(ctx context.Context, l *loop.Loop, eng engine.Engine, sink audio.Sink, provider book.Provider, cfg narration.Config, w io.Writer) error {
	spoken := newCaptions()
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	listener := func(ev narration.Event) {
		switch ev := ev.(type) {
		case narration.Spoken:
			spoken.put(ev.Text)
		case narration.Failed:
			log.Warn("Narration error", "unit", ev.UnitIndex, "error", ev.Err)
			if ev.UnitIndex < 0 && ttypes.IsFatal(ev.Err) {
				finish(ev.Err)
			}
		case narration.EngineReady:
			log.Info("Engine ready", "device", ev.Device, "voices", len(ev.Voices))
		case narration.Ended:
			finish(nil)
		}
	}

	ctrl, err := narration.New(l, eng, sink, provider, cfg, listener)
	if err != nil {
		_ = eng.Close()
		return err
	}
	defer ctrl.Close() //nolint:errcheck

	if err := ctrl.Play(ctx); err != nil {
		return err
	}

	flush := func() error {
		for _, text := range spoken.take() {
			if _, err := fmt.Fprintln(w, text); err != nil {
				return fmt.Errorf("unable to write to writer: %w", err)
			}
		}
		return nil
	}

	for {
		select {
		case <-spoken.notify:
			if err := flush(); err != nil {
				return err
			}
		case err := <-done:
			// Captions posted before the end are already buffered.
			if ferr := flush(); err == nil {
				err = ferr
			}
			return err
		case <-ctx.Done():
			return nil
		}
	}
}

// captions buffers spoken sentences for the headless printer. The
// listener runs on the event loop, so put never blocks and nothing is
// dropped however far the writer falls behind.
type captions struct {
	mu     sync.Mutex
	lines  []string
	notify chan struct{}
}

func newCaptions() *captions {
	return &captions{notify: make(chan struct{}, 1)}
}

func (c *captions) put(text string) {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// take returns the buffered lines in order and empties the buffer.
func (c *captions) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.lines
	c.lines = nil
	return lines
}

func runTUI(ctx context.Context, path string, l *loop.Loop, eng engine.Engine, sink audio.Sink, provider book.Provider, cfg narration.Config) error {
	// Read environment to get debugging stuff
	uiCfg, err := env.ParseAs[ui.Config]()
	if err != nil {
		return fmt.Errorf("error parsing config: %v", err)
	}

	// use style set in env, or the configured one if that is invalid
	if err := validateStyle(uiCfg.GlamourStyle); err != nil {
		uiCfg.GlamourStyle = style
	}

	uiCfg.Path = path
	uiCfg.Watch = watch
	uiCfg.EnableMouse = mouse
	uiCfg.Voice = cfg.Voice
	uiCfg.Speed = cfg.Speed
	uiCfg.AutoPlay = viper.GetBool("autoplay")

	mail := ui.NewMailbox()
	defer mail.Close()

	ctrl, err := narration.New(l, eng, sink, provider, cfg, mail.Listen)
	if err != nil {
		_ = eng.Close()
		return err
	}
	defer ctrl.Close() //nolint:errcheck

	// Run Bubble Tea program
	if _, err := ui.NewProgram(ctx, uiCfg, ctrl, mail).Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("unable to run tui program: %w", err)
	}
	return nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug messages")
	rootCmd.PersistentFlags().StringVarP(&engineName, "engine", "e", string(ttypes.EngineMock), "synthesis engine (mock, piper, gtts, exec, nats)")
	rootCmd.Flags().StringVar(&voiceName, "voice", "", "voice id or name (default "+voice.Default+")")
	rootCmd.Flags().Float64VarP(&speed, "speed", "s", ttypes.DefaultSpeed, "speaking speed, 0.5 to 2.0")
	rootCmd.Flags().IntVar(&preload, "preload", 1, "paragraphs synthesized ahead of the one playing")
	rootCmd.Flags().StringVar(&style, "style", styles.AutoStyle, "style name or JSON path")
	rootCmd.Flags().BoolVar(&silent, "silent", false, "narrate without an audio device")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "print sentences as they are spoken instead of running the TUI")
	rootCmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch the book for changes (TUI-mode only)")
	rootCmd.Flags().BoolVarP(&mouse, "mouse", "m", false, "enable mouse wheel (TUI-mode only)")
	_ = rootCmd.Flags().MarkHidden("mouse")

	// Config bindings
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
	_ = viper.BindPFlag("voice", rootCmd.Flags().Lookup("voice"))
	_ = viper.BindPFlag("speed", rootCmd.Flags().Lookup("speed"))
	_ = viper.BindPFlag("preload", rootCmd.Flags().Lookup("preload"))
	_ = viper.BindPFlag("style", rootCmd.Flags().Lookup("style"))
	_ = viper.BindPFlag("silent", rootCmd.Flags().Lookup("silent"))
	_ = viper.BindPFlag("headless", rootCmd.Flags().Lookup("headless"))
	_ = viper.BindPFlag("watch", rootCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("mouse", rootCmd.Flags().Lookup("mouse"))

	viper.SetDefault("voice", voice.Default)
	viper.SetDefault("speed", ttypes.DefaultSpeed)
	viper.SetDefault("engine", string(ttypes.EngineMock))
	viper.SetDefault("preload", 1)
	viper.SetDefault("style", styles.AutoStyle)
	viper.SetDefault("autoplay", true)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("timeout", "30s")

	// Engine defaults
	viper.SetDefault("mock.delay", "50ms")
	viper.SetDefault("piper.binary", "piper")
	viper.SetDefault("gtts.requests_per_minute", 50)
	viper.SetDefault("nats.url", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.prefix", "narrator.engine")
	viper.SetDefault("nats.timeout", "5s")

	// Cache defaults
	viper.SetDefault("cache.size_mb", 64)
	viper.SetDefault("cache.compress", true)

	// Audio defaults
	viper.SetDefault("audio.sample_rate", ttypes.DefaultSampleRate)
	viper.SetDefault("audio.buffer_ms", 100)
	viper.SetDefault("audio.volume", 1.0)

	// Subcommand flags
	chunksCmd.Flags().BoolVar(&sentences, "sentences", false, "also print the sentences each paragraph is streamed in")
	libraryCmd.Flags().BoolVarP(&showAllFiles, "all", "a", false, "include files ignored by git")
	serveCmd.Flags().BoolVar(&embedded, "embedded", false, "start a NATS server in process")
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "embedded server host")
	serveCmd.Flags().IntVar(&servePort, "port", 4222, "embedded server port, -1 picks a free one")

	rootCmd.AddCommand(configCmd, manCmd, voicesCmd, chunksCmd, libraryCmd, serveCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "narrator")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "narrator")}, dirs...)
	}

	if c := os.Getenv("NARRATOR_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName("narrator")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("narrator")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "narrator.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
