package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/tradewatch/internal/config"
)

// EnvCommand returns the CLI command that prints the resolved configuration
// with secrets masked. Useful for diagnosing deployment environments.
func EnvCommand() *cli.Command {
	return &cli.Command{
		Name:  "env",
		Usage: "Print the resolved configuration",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			fmt.Println("=== Resolved Configuration ===")
			fmt.Printf("server.port:             %d\n", cfg.Server.Port)
			fmt.Printf("log.level:               %s\n", cfg.Log.Level)
			fmt.Printf("database.url:            %s\n", maskSecret(cfg.Database.URL))
			fmt.Printf("api.secret_key:          %s\n", maskSecret(cfg.API.SecretKey))
			fmt.Printf("provider.base_url:       %s\n", cfg.Provider.BaseURL)
			fmt.Printf("provider.api_key:        %s\n", maskSecret(cfg.Provider.APIKey))
			fmt.Printf("provider.callback_url:   %s\n", cfg.Provider.CallbackURL)
			fmt.Printf("provider.webhook_name:   %s\n", cfg.Provider.WebhookName)
			fmt.Printf("provider.webhook_secret: %s\n", maskSecret(cfg.Provider.WebhookSecret))
			fmt.Printf("queue.max_attempts:      %d\n", cfg.Queue.MaxAttempts)
			fmt.Printf("queue.rate_per_minute:   %d\n", cfg.Queue.RatePerMinute)

			missing := missingRequired(cfg)
			if len(missing) > 0 {
				fmt.Println("\nMissing required settings:")
				for _, m := range missing {
					fmt.Printf("  - %s\n", m)
				}
				os.Exit(1)
			}
			fmt.Println("\nAll required settings present.")
			return nil
		},
	}
}

func missingRequired(cfg *config.Config) []string {
	var missing []string
	if cfg.Database.URL == "" && os.Getenv("DATABASE_URL") == "" {
		missing = append(missing, "database.url (or DATABASE_URL)")
	}
	if cfg.API.SecretKey == "" {
		missing = append(missing, "api.secret_key")
	}
	if cfg.Provider.APIKey == "" {
		missing = append(missing, "provider.api_key")
	}
	if cfg.Provider.WebhookSecret == "" {
		missing = append(missing, "provider.webhook_secret")
	}
	if cfg.Provider.CallbackURL == "" {
		missing = append(missing, "provider.callback_url")
	}
	return missing
}

func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}
