package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustgate/internal/config"
	"trustgate/internal/domain"
	"trustgate/internal/engine/auth"
	"trustgate/internal/ids"
	"trustgate/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage trustgate.yml",
		Long:  "trustgate.yml holds the decision service endpoint, server limits, client loop bounds, fail mode, promo catalog and webhooks. Secrets come from TRUSTGATE_DECISION_API_KEY and TRUSTGATE_JWT_SECRET.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default trustgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate trustgate.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				errText := ""
				if err != nil {
					errText = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": errText})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func devCmd() *cobra.Command {
	dev := &cobra.Command{
		Use:   "dev",
		Short: "Development helpers",
	}
	dev.AddCommand(devTokenCmd())
	return dev
}

func devTokenCmd() *cobra.Command {
	var userID, sessionID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an end user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				userID = uuid.NewString()
			}
			if strings.TrimSpace(sessionID) == "" {
				sessionID = uuid.NewString()
			}
			svc := auth.Service{Secret: viper.GetString("jwt-secret"), Issuer: tokenIssuer, TTL: ttl}
			token, expires, err := svc.Sign(userID, sessionID)
			if err != nil {
				return fmt.Errorf("sign token (is TRUSTGATE_JWT_SECRET set?): %w", err)
			}
			out := map[string]any{
				"token":      token,
				"user_id":    userID,
				"session_id": sessionID,
				"expires_at": expires.UTC().Format(time.RFC3339),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "user id (random when empty)")
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session id (random when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage service API keys",
		Long:  "Backend services authenticate with X-Api-Key. Only the SHA-256 of a key is stored; the key itself is printed once on create.",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var serviceID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(serviceID) == "" {
				return fmt.Errorf("--service-id required")
			}
			secret, err := newAPIKeySecret()
			if err != nil {
				return err
			}
			key := domain.APIKey{
				ID:        ids.New(),
				ServiceID: serviceID,
				Name:      name,
				KeyHash:   repo.HashAPIKey(secret),
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "service_id": key.ServiceID, "key": secret})
				}
				fmt.Printf("created %s for %s\nkey: %s\n", key.ID, key.ServiceID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "", "service the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var serviceID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, serviceID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Service", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ServiceID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&serviceID, "service-id", "", "service filter")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func newAPIKeySecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "tg_" + hex.EncodeToString(buf), nil
}
