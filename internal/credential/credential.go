// Package credential keeps the WhatsApp device session in a SQLite database.
package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// ErrNotFound is returned by Load when no paired device is stored
var ErrNotFound = errors.New("no stored credential")

// Credential is the device state a session authenticates with
type Credential struct {
	Device *store.Device
}

// Paired reports whether the credential belongs to a linked device
func (c *Credential) Paired() bool {
	return c != nil && c.Device != nil && c.Device.ID != nil
}

// ID returns the device address, or "" when unpaired
func (c *Credential) ID() string {
	if !c.Paired() {
		return ""
	}
	return c.Device.ID.String()
}

// Store loads, creates, persists and destroys credentials
type Store interface {
	Load(ctx context.Context) (*Credential, error)
	New() *Credential
	Persist(ctx context.Context, c *Credential) error
	Wipe(ctx context.Context) error
}

// SQLStore is a Store backed by whatsmeow's sqlstore
type SQLStore struct {
	path      string
	db        *sql.DB
	container *sqlstore.Container

	mu sync.Mutex
}

// Open opens (creating if needed) the credential database at path
func Open(ctx context.Context, path string, log waLog.Logger) (*SQLStore, error) {
	if log == nil {
		log = waLog.Noop
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open credential db: %w", err)
	}

	container := sqlstore.NewWithDB(db, "sqlite3", log)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to upgrade credential store: %w", err)
	}

	L_debug("credential: store opened", "path", path)
	return &SQLStore{path: path, db: db, container: container}, nil
}

// Path returns the database path
func (s *SQLStore) Path() string {
	return s.path
}

// Close releases the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Load returns the first stored device or ErrNotFound
func (s *SQLStore) Load(ctx context.Context) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNotFound
	}
	if len(devices) > 1 {
		L_warn("credential: multiple devices stored, using the first", "count", len(devices))
	}
	return &Credential{Device: devices[0]}, nil
}

// New returns a fresh unpaired credential
func (s *SQLStore) New() *Credential {
	return &Credential{Device: s.container.NewDevice()}
}

// Persist saves a paired credential. Unpaired credentials have nothing to
// save yet and are ignored.
func (s *SQLStore) Persist(ctx context.Context, c *Credential) error {
	if !c.Paired() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := c.Device.Save(ctx); err != nil {
		return fmt.Errorf("failed to persist credential %s: %w", c.ID(), err)
	}
	L_trace("credential: persisted", "jid", c.ID())
	return nil
}

// Wipe deletes every stored device. It succeeds only when none remain and
// is a no-op on an empty store.
func (s *SQLStore) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	var errs []error
	for _, d := range devices {
		jid := "(unknown)"
		if d.ID != nil {
			jid = d.ID.String()
		}
		if err := d.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete device %s: %w", jid, err))
			continue
		}
		L_info("credential: device removed", "jid", jid)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	remaining, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify wipe: %w", err)
	}
	if len(remaining) > 0 {
		return fmt.Errorf("wipe incomplete: %d devices remain", len(remaining))
	}
	return nil
}
