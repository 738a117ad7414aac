package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/narrator/internal/engine/natsbus"
	"github.com/dgnsrekt/narrator/internal/ttypes"
	"github.com/spf13/cobra"
)

var (
	embedded  bool
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the configured engine on a NATS bus",
	Long: paragraph(fmt.Sprintf("\n%s the configured engine on NATS so other narrators can use it with --engine nats. With --embedded a NATS server is started in process.",
		keyword("Serve"))),
	Example: paragraph("narrator serve --engine piper\nnarrator serve --embedded --port 4222"),
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		settings, err := loadEngineSettings()
		if err != nil {
			return err
		}
		if settings.Kind == ttypes.EngineNATS {
			return errors.New("serve needs a local engine: pick mock, piper, gtts or exec")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logToStderr()

		url := settings.NATSURL
		if embedded {
			ns, err := natsbus.StartEmbedded(serveHost, servePort)
			if err != nil {
				return err
			}
			defer ns.Shutdown()
			url = ns.ClientURL()
		}

		conn, err := natsbus.Connect(url, settings.NATSTimeout)
		if err != nil {
			return err
		}
		defer conn.Close()

		eng, cleanup, err := newEngine(ctx, settings)
		if err != nil {
			return fmt.Errorf("unable to start %s engine: %w", settings.Kind, err)
		}
		defer cleanup()
		defer eng.Close() //nolint:errcheck

		log.Info("Serving engine", "engine", settings.Kind, "url", url, "prefix", settings.NATSPrefix)
		if err := natsbus.Serve(ctx, conn, settings.NATSPrefix, eng); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
