package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tradewatch/internal/config"
	"github.com/tradewatch/internal/database"
	"github.com/tradewatch/internal/logging"
)

// MigrateCommand returns the CLI command that applies the application schema
// and the River queue schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

			ctx := context.Background()
			pool, err := database.NewPool(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("failed to apply application schema: %w", err)
			}
			log.Info().Msg("Application schema applied")

			versions, err := database.MigrateQueue(ctx, pool)
			if err != nil {
				return err
			}
			log.Info().Int("versions", versions).Msg("Queue schema applied")

			return nil
		},
	}
}
