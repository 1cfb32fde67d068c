package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/live"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(configViper *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and live channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), configViper)
		},
	}
	cmd.Flags().String("http-address", configViper.GetString("http.address"), "HTTP listen address")
	cmd.Flags().StringSlice("cors-origin", nil, "Allowed CORS origin (repeatable); empty allows any origin")
	if err := configViper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := configViper.BindPFlag("cors.origins", cmd.Flags().Lookup("cors-origin")); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context, configViper *viper.Viper) error {
	app, err := openApplication(configViper)
	if err != nil {
		return err
	}
	defer app.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.SessionSecret),
		Issuer:        app.config.SessionIssuer,
		CookieName:    app.config.SessionCookieName,
	})
	if err != nil {
		return err
	}

	hub := live.NewHub(0)
	socket, err := live.NewSocketServer(live.SocketConfig{
		Hub:          hub,
		Logger:       app.logger,
		WriteTimeout: app.config.LiveWriteTimeout,
		ReadTimeout:  app.config.LiveReadTimeout,
		PingInterval: app.config.LivePingInterval,
		CheckOrigin:  originChecker(app.config.CORSOrigins),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: validator,
		Authors:          app.authors,
		Store:            app.store,
		Engine:           app.engine,
		Detector:         app.detector,
		Coordinator:      app.coordinator,
		Hub:              hub,
		Socket:           socket,
		AllowedOrigins:   app.config.CORSOrigins,
		Logger:           app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// originChecker mirrors the CORS allow list for websocket upgrades.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
