package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/fly-io/fwupdate/pkg/errors"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running version and any update in progress",
	RunE:  runStatus,
}

var syncedCmd = &cobra.Command{
	Use:   "synced",
	Short: "Confirm the pending image booted and make it current",
	RunE:  runSynced,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restart the device",
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncedCmd)
	rootCmd.AddCommand(resetCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	st, err := s.dev.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "status failed")
	}
	printStatus(st)
	return nil
}

func runSynced(cmd *cobra.Command, args []string) error {
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

	if err := s.dev.Synced(ctx); err != nil {
		return errors.Wrap(err, "synced failed")
	}
	st, err := s.dev.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "status failed")
	}
	printStatus(st)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openDevice(context.Background(), cfg)
	if err != nil {
		return err
	}
	// Reset does not return; release the database first.
	s.repo.Close()
	s.dev.Reset()
	return nil
}
