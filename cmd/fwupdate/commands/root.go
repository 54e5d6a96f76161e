package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/fwupdate/internal/config"
)

// LogLevel is applied to the default logger once configuration is loaded.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "fwupdate",
	Short: "Crash-safe firmware updates for a single device",
	Long: `Stages firmware images in a dedicated flash region, verifies them against a
trusted checksum and hands them to the bootloader, surviving power loss at any point.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("state-db-path", ".artifacts/state.db", "SQLite state database path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	flags.String("staging-path", ".artifacts/staging.bin", "Staging flash region (file or block device)")
	flags.Int64("staging-capacity", 16*1024*1024, "Staging region size in bytes")
	flags.String("boot-record-path", ".artifacts/boot.json", "Boot record path")
	flags.Int("mtu", 4096, "Maximum bytes per write")
	flags.String("digest-algorithm", "sha256", "Image digest algorithm (sha256, blake2b-256)")
	flags.String("s3-bucket", "", "S3 release bucket")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("work-dir", "/tmp/fwupdate", "Download and extraction directory")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, key := range []string{
		"state-db-path", "fsm-db-path", "staging-path", "staging-capacity", "boot-record-path",
		"mtu", "digest-algorithm", "s3-bucket", "s3-region", "work-dir", "log-level",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}
