package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fly-io/fwupdate/pkg/errors"
)

var cleanupForce bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove downloaded images and extracted bundles from the work directory",
	Long: `Remove work-dir/downloads and work-dir/bundles.
Refuses while an update session is open unless --force is given, since an
interrupted flash resumes from the downloaded image.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "Clean even with an open update session")
}

func runCleanup(cmd *cobra.Command, args []string) error {
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

	st, err := s.repo.LoadState(ctx)
	if err != nil {
		return errors.Wrap(err, "state load failed")
	}
	if st.SessionOpen && !st.Pending && !cleanupForce {
		return fmt.Errorf("update session for %q is open at offset %d; use --force", st.NextVersion, st.NextOffset)
	}

	removed := 0
	for _, dir := range []string{"downloads", "bundles"} {
		path := filepath.Join(cfg.WorkDir, dir)
		entries, err := os.ReadDir(path)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
				fmt.Printf("Failed to remove %s: %v\n", entry.Name(), err)
				continue
			}
			fmt.Printf("Removed %s/%s\n", dir, entry.Name())
			removed++
		}
	}

	fmt.Printf("Removed %d entries\n", removed)
	return nil
}
