package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/fwupdate/pkg/api"
	"github.com/fly-io/fwupdate/pkg/errors"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the update protocol over HTTP",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen-addr", "127.0.0.1:8686", "HTTP listen address")
	viper.BindPFlag("listen-addr", serveCmd.Flags().Lookup("listen-addr"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	r := mux.NewRouter()
	api.NewServer(s.dev, s.repo).RegisterHandlers(r)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("api_listening", "addr", cfg.ListenAddr, "mtu", s.dev.MTU())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	slog.Info("api_shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
