package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"VideoAgent-server/config"
	"VideoAgent-server/logging"
)

// commandContext 在子命令之间共享已加载的配置和 logger
type commandContext struct {
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.logger = logging.New(cfg.Log.Level, cfg.Server.Env)
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "videoagent",
		Short:         "VideoAgent 视频生成服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "repair" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", config.DefaultPath, "Configuration file path")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newWorkerCommand(ctx))
	rootCmd.AddCommand(newRepairCommand())
	return rootCmd
}
