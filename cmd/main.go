package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvdashuaibi/littlegate/config"
	"github.com/lvdashuaibi/littlegate/internal/logger"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "littlegate",
		Short:         "Little Gate 票据核销与支付回调准入服务",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "配置文件路径")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(keygenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := logger.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, err
	}
	return cfg, nil
}
