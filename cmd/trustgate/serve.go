package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustgate/internal/app"
	"trustgate/internal/engine/auth"
	"trustgate/internal/obs"
	"trustgate/internal/server"
)

const (
	shutdownTimeout = 5 * time.Second
	tokenIssuer     = "trustgate"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the checkpoint API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" && (cfg.Server.DevAuth || cfg.Server.RequireAuth) {
				return fmt.Errorf("TRUSTGATE_JWT_SECRET is required when dev_auth or require_auth is enabled")
			}
			if cfg.Decision.APIKey == "" {
				logger.Printf("TRUSTGATE_DECISION_API_KEY not set; checkpoints will report status=error")
			}

			metrics := obs.New()
			rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, app.Options{Logger: logger, Metrics: metrics})
			if err != nil {
				return err
			}
			defer rt.Close()

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					Tokens:  auth.Service{Secret: secret, Issuer: tokenIssuer},
					Require: cfg.Server.RequireAuth,
					DevAuth: cfg.Server.DevAuth,
					Logger:  logger,
				},
				Metrics:      metrics,
				Logger:       logger,
				MaxBodyBytes: cfg.Server.MaxBodyBytes,
				RateLimit:    cfg.Server.RateLimit,
			})
			if err != nil {
				return err
			}

			hookCtx, stopHooks := context.WithCancel(ctx)
			defer stopHooks()
			if hooks := server.StartWebhooks(hookCtx, rt.Engine.Repo, cfg.Webhooks, logger); hooks != nil {
				defer func() {
					stopHooks()
					<-hooks.Done()
				}()
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Trustgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, audit db %s)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath, workspaceDB())
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}
