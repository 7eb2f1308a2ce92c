package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lvdashuaibi/littlegate/internal/token"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "生成票据主密钥（base64）",
		Long:  "生成 ticket.master_key，可写入 LITTLEGATE_TICKET_MASTER_KEY 环境变量。",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := token.GenerateMasterKey()
			if err != nil {
				return err
			}
			fmt.Println(key)
			return nil
		},
	}
}
