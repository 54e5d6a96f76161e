package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/fwupdate/pkg/errors"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List update history, newest first",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	events, err := s.repo.ListEvents(ctx, historyLimit)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(events) == 0 {
		fmt.Println("No history")
		return nil
	}

	fmt.Printf("%-20s %-12s %-20s %-10s %s\n", "TIME", "EVENT", "VERSION", "BYTES", "DETAIL")
	fmt.Println("--------------------------------------------------------------------------------")
	for _, ev := range events {
		detail := ev.Detail
		if detail == "" {
			detail = "-"
		}
		fmt.Printf("%-20s %-12s %-20q %-10d %s\n", ev.CreatedAt, ev.Event, ev.Version, ev.Bytes, detail)
	}
	return nil
}
