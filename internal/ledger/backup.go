package ledger

import (
	"fmt"
	"os"

	cronlib "github.com/robfig/cron/v3"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// Backup copies the current document to <path>.bak after rotating older
// backups, keeping at most keep generations.
func (s *Store) Backup(keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		// nothing written yet
		return nil
	}

	rotateBackups(s.path, keep)
	if err := copyFile(s.path, s.path+".bak"); err != nil {
		return fmt.Errorf("failed to back up ledger: %w", err)
	}
	L_debug("ledger: backup written", "path", s.path+".bak")
	return nil
}

// BackupScheduler runs Backup on a cron schedule
type BackupScheduler struct {
	cron *cronlib.Cron
}

// StartBackups schedules periodic backups. schedule is a standard 5-field cron
// expression or a descriptor such as "@daily". An empty schedule disables backups
// and returns nil.
func (s *Store) StartBackups(schedule string, keep int) (*BackupScheduler, error) {
	if schedule == "" || keep <= 0 {
		L_debug("ledger: periodic backups disabled")
		return nil, nil
	}

	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	c := cronlib.New(cronlib.WithParser(parser))
	if _, err := c.AddFunc(schedule, func() {
		if err := s.Backup(keep); err != nil {
			L_warn("ledger: scheduled backup failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid backup schedule %q: %w", schedule, err)
	}
	c.Start()

	L_info("ledger: periodic backups scheduled", "schedule", schedule, "keep", keep)
	return &BackupScheduler{cron: c}, nil
}

// Stop halts the schedule and waits for a running backup to finish
func (b *BackupScheduler) Stop() {
	if b == nil {
		return
	}
	<-b.cron.Stop().Done()
}
