package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fly-io/fwupdate/internal/config"
	"github.com/fly-io/fwupdate/pkg/db"
	"github.com/fly-io/fwupdate/pkg/device"
	"github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/firmware"
	"github.com/fly-io/fwupdate/pkg/integrity"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(stateDBPath, fsmDBPath, workDir string) error {
	if err := os.MkdirAll(filepath.Dir(stateDBPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Only needed for flash
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// session bundles the long-lived handles every device command needs.
type session struct {
	repo    *db.Repository
	adapter *device.FileAdapter
	dev     *firmware.Device
}

func (s *session) Close() {
	if err := s.adapter.Close(); err != nil {
		slog.Warn("adapter_close_failed", "error", err)
	}
	if err := s.repo.Close(); err != nil {
		slog.Warn("database_close_failed", "error", err)
	}
}

// openDevice seeds the state store on first boot and wires the device.
func openDevice(ctx context.Context, cfg *config.Config) (*session, error) {
	if err := ensureDirectories(cfg.StateDBPath, "", ""); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.StateDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	if err := repo.Seed(ctx, []byte(cfg.FactoryVersion), cfg.DigestAlgorithm); err != nil {
		repo.Close()
		return nil, err
	}

	var restart device.Restarter = device.ProcessExit
	if cfg.RebootEnabled {
		restart = device.SystemRestart
	}
	adapter, err := device.NewFileAdapter(cfg.StagingPath, cfg.BootRecordPath, cfg.StagingCapacity, restart)
	if err != nil {
		repo.Close()
		return nil, errors.Wrap(err, "device init failed")
	}

	alg, err := integrity.ParseAlgorithm(cfg.DigestAlgorithm)
	if err != nil {
		adapter.Close()
		repo.Close()
		return nil, err
	}
	dev, err := firmware.NewDevice(repo, adapter, firmware.Options{
		MTU:              cfg.MTU,
		MaxVersionLength: cfg.MaxVersionLength,
		Algorithm:        alg,
	})
	if err != nil {
		adapter.Close()
		repo.Close()
		return nil, errors.Wrap(err, "firmware init failed")
	}

	return &session{repo: repo, adapter: adapter, dev: dev}, nil
}

func printStatus(st *firmware.Status) {
	next := "-"
	if st.NextOffset > 0 {
		next = fmt.Sprintf("%q", st.NextVersion)
	}
	fmt.Printf("%-18s %q\n", "CURRENT VERSION", st.CurrentVersion)
	fmt.Printf("%-18s %s\n", "NEXT VERSION", next)
	fmt.Printf("%-18s %d\n", "NEXT OFFSET", st.NextOffset)
	fmt.Printf("%-18s %t\n", "PENDING", st.Pending)
	fmt.Printf("%-18s %t\n", "IDLE", st.Idle())
}
