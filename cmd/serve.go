package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/devloop/internal/api"
)

var serveWithServers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server exposing devloop operations under /api/v1.
By default it listens on port 8420. Use --port to change it.

With --with-servers the dev and backend servers are started first and
stopped again on shutdown. POST /api/v1/reload stops the servers and
rebuilds the service from the re-read config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8420, "port to listen on")
	serveCmd.Flags().BoolVar(&serveWithServers, "with-servers", false, "Start the dev and backend servers alongside the API")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(cmd *cobra.Command) error {
	svc, err := getService(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals()...)
	defer stop()

	if serveWithServers {
		out, err := svc.StartServers(ctx, false)
		if err != nil {
			return err
		}
		for _, kind := range sortedKinds(out) {
			ui.Info("%s server: %s", kind, out[kind])
		}
		defer func() {
			// A reload may have replaced the service that started them.
			current := service
			stopCtx, cancel := context.WithTimeout(context.Background(), current.Config().Servers.StopGrace+5*time.Second)
			defer cancel()
			_ = current.StopServers(stopCtx)
		}()
	}

	apiServer := api.NewServer(svc, logger)
	apiServer.OnReload(func(ctx context.Context) (api.Service, error) {
		return reloadService(ctx)
	})

	addr := fmt.Sprintf("%s:%d", svc.Config().Servers.Host, viper.GetInt("port"))
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		ui.Info("Serving API at http://%s/api/v1", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	ui.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
