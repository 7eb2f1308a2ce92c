package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "立即清理一次过期的防重放记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			pruner, err := a.pruner()
			if err != nil {
				return err
			}
			if pruner == nil {
				fmt.Printf("%s 账本依赖过期机制，无需清理\n", cfg.Store.LedgerBackend)
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Replay.PruneInterval)
			defer cancel()
			removed, err := pruner.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("已清理 %d 条记录\n", removed)
			return nil
		},
	}
}
