package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/fly-io/fwupdate/internal/config"
	"github.com/fly-io/fwupdate/pkg/errors"
	appfsm "github.com/fly-io/fwupdate/pkg/fsm"
	"github.com/fly-io/fwupdate/pkg/manifest"
	"github.com/fly-io/fwupdate/pkg/security"
	"github.com/fly-io/fwupdate/pkg/storage"
)

var (
	flashManifest   string
	flashBundle     string
	flashS3Manifest string
	flashReboot     bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Stage, verify and commit a firmware release",
	Long: `Flash a release described by one of:
  --manifest <path>      local manifest.yaml naming a local image
  --bundle <path>        .tar or .tar.gz bundle holding manifest.yaml and the image
  --s3-manifest <key>    manifest in the release bucket naming an s3-key

An interrupted flash resumes from the device's durable offset when re-run.`,
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVar(&flashManifest, "manifest", "", "Local manifest path")
	flashCmd.Flags().StringVar(&flashBundle, "bundle", "", "Release bundle path")
	flashCmd.Flags().StringVar(&flashS3Manifest, "s3-manifest", "", "Manifest key in the release bucket")
	flashCmd.Flags().BoolVar(&flashReboot, "reboot", false, "Reset the device once the image is pending")
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.StateDBPath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	var s3Client *storage.Client
	if cfg.S3Bucket != "" {
		s3Client, err = storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
	}

	req, err := resolveRelease(ctx, cfg, s3Client)
	if err != nil {
		return err
	}
	if req.Algorithm != cfg.DigestAlgorithm {
		return fmt.Errorf("release uses %s but the device is configured for %s", req.Algorithm, cfg.DigestAlgorithm)
	}

	s, err := openDevice(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	var downloader appfsm.Downloader
	if s3Client != nil {
		downloader = s3Client
	}
	machine := appfsm.NewMachine(s.dev, downloader, cfg.WorkDir, cfg.FSMMaxRetries, cfg.WriteMaxElapsed)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	resp := &appfsm.FlashResponse{}
	runID := req.Version + "-" + req.Checksum[:16]
	version, err := start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "run_id", runID, "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("flash_completed",
		"version", req.Version,
		"status", resp.Status,
		"bytes_written", resp.BytesWritten,
		"resyncs", resp.Resyncs,
		"already_pending", resp.AlreadyPending)

	st, err := s.dev.Status(ctx)
	if err != nil {
		return errors.Wrap(err, "status failed")
	}
	printStatus(st)

	if flashReboot && st.Pending {
		s.repo.Close()
		s.dev.Reset()
	}
	return nil
}

// resolveRelease turns the command's flags into a flash request.
func resolveRelease(ctx context.Context, cfg *config.Config, s3Client *storage.Client) (*appfsm.FlashRequest, error) {
	set := 0
	for _, v := range []string{flashManifest, flashBundle, flashS3Manifest} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of --manifest, --bundle or --s3-manifest is required")
	}

	var m *manifest.Manifest
	var err error
	switch {
	case flashManifest != "":
		m, err = manifest.Load(flashManifest)
	case flashBundle != "":
		validator := security.NewValidator(cfg.StagingCapacity, cfg.MaxBundleSize, cfg.MaxCompressionRatio)
		name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(flashBundle), ".gz"), ".tar")
		m, err = manifest.ExtractBundle(flashBundle, filepath.Join(cfg.WorkDir, "bundles", name), validator)
	case flashS3Manifest != "":
		if s3Client == nil {
			return nil, fmt.Errorf("s3-bucket is not configured")
		}
		m, err = s3Client.FetchManifest(ctx, flashS3Manifest)
		if err == nil && m.S3Key == "" {
			err = fmt.Errorf("manifest %s does not name an s3-key", flashS3Manifest)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "release manifest invalid")
	}

	req := &appfsm.FlashRequest{
		Version:   m.Version,
		S3Key:     m.S3Key,
		Checksum:  strings.ToLower(m.Checksum),
		Algorithm: string(m.DigestAlgorithm()),
	}
	if m.Image != "" {
		path, err := filepath.Abs(m.ImagePath())
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve image path")
		}
		req.ImagePath = path
	}
	return req, nil
}
