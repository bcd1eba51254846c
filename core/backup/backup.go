// Package backup snapshots the operation journal store to disk.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/AvaProtocol/ap-wallet/pkg/logger"
	"github.com/AvaProtocol/ap-wallet/storage"
)

const snapshotName = "journal.backup"

type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string
	// Keep is how many snapshots survive a prune, 0 keeps all
	Keep int

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	now     func() time.Time
}

func NewService(log logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.Component(log, "backup"),
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

// StartPeriodicBackup snapshots every interval until StopPeriodicBackup.
func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("backup service already running")
	}
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive")
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.backupLoop(interval, s.stop, s.done)

	s.logger.Info("started periodic backup", "interval", interval, "dir", s.backupDir)
	return nil
}

func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("stopped periodic backup")
}

func (s *Service) backupLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			file, err := s.PerformBackup(context.Background())
			if err != nil {
				s.logger.Error("periodic backup failed", "error", err)
				continue
			}
			s.logger.Info("periodic backup completed", "file", file)
			if err := s.Prune(); err != nil {
				s.logger.Warn("failed to prune old backups", "error", err)
			}
			if err := s.db.Vacuum(); err != nil {
				s.logger.Warn("value log gc failed", "error", err)
			}
		case <-stop:
			return
		}
	}
}

// PerformBackup writes a full snapshot into a new timestamped directory and
// returns the snapshot path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	backupPath := filepath.Join(s.backupDir, s.now().UTC().Format("06-01-02-15-04-05"))
	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, snapshotName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to flush backup file: %w", err)
	}
	return backupFile, nil
}

// Restore loads a snapshot into the store. Keys in the snapshot overwrite
// existing ones; keys only in the store are kept.
func (s *Service) Restore(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := s.db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	s.logger.Info("restored journal", "file", file)
	return nil
}

// Prune removes the oldest snapshot directories beyond Keep.
func (s *Service) Prune() error {
	if s.Keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) <= s.Keep {
		return nil
	}
	// timestamped names sort chronologically
	sort.Strings(dirs)
	for _, d := range dirs[:len(dirs)-s.Keep] {
		if err := os.RemoveAll(filepath.Join(s.backupDir, d)); err != nil {
			return err
		}
	}
	return nil
}
