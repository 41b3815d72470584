package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/gosuri/uitable"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the charger status published in Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := redis.NewClient(&redis.Options{
				Addr:        a.cfg.Redis.Addr(),
				DialTimeout: 2 * time.Second,
			})
			defer client.Close()

			key := a.cfg.StatusKey()
			fields, err := client.HGetAll(cmd.Context(), key).Result()
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			if len(fields) == 0 {
				return fmt.Errorf("no status published under %s", key)
			}

			names := make([]string, 0, len(fields))
			for name := range fields {
				names = append(names, name)
			}
			sort.Strings(names)

			table := uitable.New()
			table.MaxColWidth = 60
			table.AddRow("FIELD", "VALUE")
			for _, name := range names {
				table.AddRow(name, fields[name])
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}
