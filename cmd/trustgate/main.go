package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustgate/internal/app"
	"trustgate/internal/config"
	"trustgate/internal/db"
	"trustgate/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "Trustgate CLI",
	Long: `Trustgate gates sensitive actions behind risk checkpoints.
Core concepts:
- Checkpoint: a named risk policy (LOGIN, PAYMENT, ...) evaluated by the decision service.
- Verification: one evaluation; it can be approved, denied, pending, or waiting on a client step such as MFA.
- Handler: the client loop that completes steps and resubmits with the previous verification id until the chain settles.
- Event: a fire-and-forget signal (PURCHASE_SUCCESS, ...) that never blocks the caller.
- Workspace: the .trustgate directory holding the audit database; trustgate.yml sits next to it.
- Audit log: every checkpoint and event outcome, view with 'trustgate log tail' or 'trustgate verifications list'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRUSTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:3020/api", "application server URL including base path")
	rootCmd.PersistentFlags().String("api-key", "", "service API key sent as X-Api-Key")
	rootCmd.PersistentFlags().String("token", "", "bearer token for end-user calls")
	for _, name := range []string{"workspace", "json", "server", "api-key", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(verificationsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(devCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

// --- helpers ---

func newLogger() *log.Logger {
	return log.New(os.Stderr, "trustgate ", log.LstdFlags)
}

func loadConfig() (*config.Config, error) {
	return app.LoadConfig(viper.GetString("workspace"), app.Overrides{
		DecisionAPIKey: viper.GetString("decision-api-key"),
		DecisionAPIURL: viper.GetString("decision-api-url"),
	})
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, viper.GetString("workspace"), cfg, app.Options{Logger: newLogger()})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine.Repo)
	})
}

func workspaceDB() string {
	return db.Path(viper.GetString("workspace"))
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parsePayload(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return payload, nil
}
