package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/storage"
)

var releasesPrefix string

var releasesCmd = &cobra.Command{
	Use:   "releases",
	Short: "List release manifests in the S3 bucket",
	RunE:  runReleases,
}

func init() {
	rootCmd.AddCommand(releasesCmd)
	releasesCmd.Flags().StringVar(&releasesPrefix, "prefix", "", "Only list keys under this prefix")
}

func runReleases(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("s3-bucket is not configured")
	}

	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	keys, err := client.ListReleases(ctx, releasesPrefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	if len(keys) == 0 {
		fmt.Println("No releases found")
		return nil
	}

	fmt.Printf("%-50s %-20s %-12s %s\n", "MANIFEST", "VERSION", "ALGORITHM", "IMAGE")
	fmt.Println("------------------------------------------------------------------------------------------------")
	for _, key := range keys {
		m, err := client.FetchManifest(ctx, key)
		if err != nil {
			fmt.Printf("%-50s %-20s %-12s %v\n", key, "-", "-", err)
			continue
		}
		fmt.Printf("%-50s %-20s %-12s %s\n", key, m.Version, m.DigestAlgorithm(), m.S3Key)
	}
	return nil
}
