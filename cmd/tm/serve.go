package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tramita/internal/app"
	"tramita/internal/server"
	"tramita/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := newLogger()
			a, err := app.Open(ctx, viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer a.Close()

			shutdownTracing, err := telemetry.Init(ctx, a.Config.Telemetry, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.Warn("tracing shutdown", "error", err)
				}
			}()

			authCfg := server.AuthConfig{
				JWTSecret:        a.Config.Auth.JWTSecret,
				TokenTTL:         a.Config.Auth.TokenTTL,
				AllowActorHeader: a.Config.Auth.AllowActorHeader,
				Logger:           logger,
			}
			if s := viper.GetString("jwt-secret"); s != "" {
				authCfg.JWTSecret = s
			}
			if url := a.Config.Auth.JWKSURL; url != "" {
				kf, err := server.NewJWKS(ctx, url, logger)
				if err != nil {
					return err
				}
				authCfg.JWKS = kf
			}
			if authCfg.JWTSecret == "" && authCfg.JWKS == nil && !authCfg.AllowActorHeader {
				return errors.New("no authentication configured: set TRAMITA_JWT_SECRET, auth.jwks_url or auth.allow_actor_header")
			}

			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           otelhttp.NewHandler(handler, "tramita"),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go a.Dispatcher().Run(ctx)
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Tramita API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}
