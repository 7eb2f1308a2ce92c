package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lvdashuaibi/littlegate/internal/model"
)

func issueCmd() *cobra.Command {
	var (
		desc      model.TicketDescriptor
		eventDate string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "出票并输出令牌",
		Long: `为一个活动出票，输出票据和二维码令牌（JSON）。

示例:
  littlegate issue --event EVT-1 --booking BK-1 --number TK-0001 \
    --type VIP --date 2026-05-01T19:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, eventDate)
			if err != nil {
				return fmt.Errorf("解析活动时间失败: %w", err)
			}
			desc.EventDate = at

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			t, err := a.gate.Issue(context.Background(), &desc)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*model.Ticket
				Token string `json:"token"`
			}{t, t.Token})
		},
	}

	cmd.Flags().StringVar(&desc.EventID, "event", "", "活动ID")
	cmd.Flags().StringVar(&desc.BookingID, "booking", "", "订单号")
	cmd.Flags().StringVar(&desc.TicketNumber, "number", "", "票号")
	cmd.Flags().StringVar(&desc.TicketType, "type", "GA", "票种")
	cmd.Flags().StringVar(&desc.HolderName, "holder", "", "持票人")
	cmd.Flags().StringVar(&desc.Seat, "seat", "", "座位")
	cmd.Flags().StringVar(&desc.EventName, "name", "", "活动名称")
	cmd.Flags().StringVar(&eventDate, "date", "", "活动开始时间，RFC3339")
	for _, f := range []string{"event", "booking", "number", "date"} {
		cmd.MarkFlagRequired(f)
	}
	return cmd
}
