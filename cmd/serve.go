package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nmoradei/portero-cli/internal/observability"
	"github.com/nmoradei/portero-cli/internal/server"
	"github.com/nmoradei/portero-cli/internal/service"
)

// newServeCmd creates the `serve` command: the HTTP daemon that accepts
// sessions, streams progress, and takes approval decisions over the API.
func newServeCmd() *cobra.Command {
	var addr string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("server.addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			components, err := service.Build(ctx, cfg, logger, service.Options{})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			// Interrupted sessions come back before traffic is accepted.
			recovered, err := components.Recover(ctx)
			if err != nil {
				return err
			}
			if recovered > 0 {
				logger.Info("Recovered interrupted sessions", zap.Int("count", recovered))
			}

			srv := server.New(cfg.Server, components.Engine, logger)
			return srv.ListenAndServe(ctx)
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return serveCmd
}
