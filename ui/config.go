package ui

// Config contains TUI-specific configuration.
type Config struct {
	GlamourMaxWidth uint   `env:"NARRATOR_WIDTH" envDefault:"100"`
	GlamourStyle    string `env:"GLAMOUR_STYLE"  envDefault:"auto"`
	EnableMouse     bool   `env:"NARRATOR_MOUSE"`

	// Path of the book being narrated, shown in the status bar and watched
	// for changes when Watch is set.
	Path  string
	Watch bool

	// Settings the controller starts with.
	Voice string
	Speed float64

	// AutoPlay starts narration as soon as the program starts.
	AutoPlay bool

	// For debugging the UI
	GlamourEnabled bool `env:"NARRATOR_ENABLE_GLAMOUR" envDefault:"true"`
}
