package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/tradewatch/internal/api"
	"github.com/tradewatch/internal/config"
	"github.com/tradewatch/internal/database"
	"github.com/tradewatch/internal/jobqueue"
	"github.com/tradewatch/internal/logging"
	"github.com/tradewatch/internal/provider"
	"github.com/tradewatch/internal/subscription"
	"github.com/tradewatch/internal/tracking"
)

// ServeCommand returns the CLI command for starting the API server and the
// reconciliation queue.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the tradewatch API server and reconciliation worker",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

			port := cfg.Server.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}

			ctx := context.Background()
			pool, err := database.NewPool(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("failed to apply schema: %w", err)
			}
			if _, err := database.MigrateQueue(ctx, pool); err != nil {
				return err
			}

			trackings := tracking.NewStore(pool)
			states := subscription.NewStore(pool)
			adapter := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)

			queue, err := jobqueue.NewJobQueue(pool, jobqueue.QueueConfigFromSettings(cfg), jobqueue.Stores{
				Trackings: trackings,
				States:    states,
				Adapter:   adapter,
			})
			if err != nil {
				return fmt.Errorf("failed to set up job queue: %w", err)
			}
			if err := queue.Start(ctx); err != nil {
				return fmt.Errorf("failed to start job queue: %w", err)
			}

			log.Info().Int("port", port).Msg("Starting tradewatch server")
			server := api.NewServer(port, queue, trackings,
				cfg.API.SecretKey, cfg.Provider.WebhookSecret)
			serveErr := server.Start()

			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := queue.Stop(stopCtx); err != nil {
				log.Error().Err(err).Msg("Job queue did not stop cleanly")
			}
			return serveErr
		},
	}
}
