package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KaramelBytes/edaloom/internal/logging"
	"github.com/KaramelBytes/edaloom/internal/server"
)

var (
	serveAddr   string
	servePurge  string
	serveLogFmt string
	serveFlags  datasetFlags
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API over HTTP",
	Long: `Serve exposes the pipeline as a JSON API. Upload a dataset to
POST /api/v1/sessions, then drive each step with POST /api/v1/sessions/{id}/{step}.
Stateless parse and normalize endpoints live under /api/v1/parse and /api/v1/normalize.`,
	Example: `  edaloom serve --addr :8080
  curl -F file=@data.csv localhost:8080/api/v1/sessions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		l, err := logging.New(c.LogLevel, serveLogFmt)
		if err != nil {
			return err
		}
		logger = l
		load, err := serveFlags.loadOptions(c)
		if err != nil {
			return err
		}
		p, handles, err := newPipeline(c)
		if err != nil {
			return err
		}
		defer handles.Close()
		store, err := openStore(c)
		if err != nil {
			return err
		}
		addr := serveAddr
		if addr == "" {
			addr = c.ServeAddr
		}
		if !debug {
			gin.SetMode(gin.ReleaseMode)
		}
		srv, err := server.New(server.Options{
			Addr:       addr,
			Store:      store,
			Pipeline:   p,
			Logger:     logger,
			Load:       load,
			Summary:    serveFlags.summaryOptions(),
			SessionTTL: time.Duration(c.SessionTTLMinutes) * time.Minute,
			PurgeSpec:  servePurge,
		})
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info("serving", zap.String("addr", addr), zap.String("provider", c.Provider), zap.String("sessions", sessionsDir(c)))
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveAddr, "addr", "", "listen address (default: serve_addr from config)")
	f.StringVar(&serveLogFmt, "log-format", logging.FormatJSON, "log format for the server: console|json")
	f.StringVar(&servePurge, "purge-schedule", "@every 10m", "cron schedule for purging expired sessions")
	serveFlags.register(f)
}
