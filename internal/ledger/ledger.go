// Package ledger persists per-user credit balances and the shared knowledge
// base in a single JSON document.
//
// The whole document is read at startup and rewritten atomically after every
// mutation, before the mutating call returns. One mutex serializes every
// operation, so check-then-decrement is a single transaction.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// ErrNotFound is returned when a memory key does not exist
var ErrNotFound = errors.New("not found")

// UserRecord is the persisted state of one user
type UserRecord struct {
	Credits int `json:"credits"`
}

// Document is the on-disk structure
type Document struct {
	Users     map[string]*UserRecord `json:"users"`
	Knowledge map[string]string      `json:"knowledge"`
}

func newDocument() *Document {
	return &Document{
		Users:     make(map[string]*UserRecord),
		Knowledge: make(map[string]string),
	}
}

// Balance is a credit balance as reported to users
type Balance struct {
	Unlimited bool
	Credits   int
}

func (b Balance) String() string {
	if b.Unlimited {
		return "UNLIMITED"
	}
	return fmt.Sprintf("%d", b.Credits)
}

// Options configures a Store
type Options struct {
	FreeCredits int // balance given to a user on first sight
}

// Store is the ledger
type Store struct {
	path string
	opts Options

	mu  sync.Mutex
	doc *Document
}

// Open loads the ledger at path. A missing file is an empty ledger. A file
// that cannot be parsed is moved aside and replaced by an empty ledger.
func Open(path string, opts Options) (*Store, error) {
	if opts.FreeCredits < 0 {
		return nil, fmt.Errorf("free credits must be >= 0")
	}
	s := &Store{path: path, opts: opts, doc: newDocument()}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		L_info("ledger: no database yet, starting empty", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	doc := newDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		L_error("ledger: database unreadable, moving aside", "path", path, "movedTo", aside, "error", err)
		if rerr := os.Rename(path, aside); rerr != nil {
			return nil, fmt.Errorf("ledger unreadable (%v) and could not be moved aside: %w", err, rerr)
		}
		return s, nil
	}
	if doc.Users == nil {
		doc.Users = make(map[string]*UserRecord)
	}
	if doc.Knowledge == nil {
		doc.Knowledge = make(map[string]string)
	}
	for id, u := range doc.Users {
		if u == nil {
			doc.Users[id] = &UserRecord{}
		}
	}
	s.doc = doc

	L_info("ledger: loaded", "path", path, "users", len(doc.Users), "memories", len(doc.Knowledge))
	return s, nil
}

// Path returns the document path
func (s *Store) Path() string {
	return s.path
}

// userLocked returns the record for id, creating it with the free grant.
// The second result reports whether the record was created.
func (s *Store) userLocked(id string) (*UserRecord, bool) {
	if u, ok := s.doc.Users[id]; ok {
		return u, false
	}
	u := &UserRecord{Credits: s.opts.FreeCredits}
	s.doc.Users[id] = u
	return u, true
}

// Credits returns the balance of user. The owner is always unlimited.
func (s *Store) Credits(user string, isOwner bool) (Balance, error) {
	if isOwner {
		return Balance{Unlimited: true}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, created := s.userLocked(user)
	if created {
		if err := s.saveLocked(); err != nil {
			delete(s.doc.Users, user)
			return Balance{}, err
		}
		L_debug("ledger: user initialized", "user", user, "credits", u.Credits)
	}
	return Balance{Credits: u.Credits}, nil
}

// ConsumeCredit takes one credit from user. It returns false, without
// changing anything, when the balance is zero. The owner always succeeds.
func (s *Store) ConsumeCredit(user string, isOwner bool) (bool, error) {
	if isOwner {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, created := s.userLocked(user)
	if u.Credits <= 0 {
		if created {
			// a zero free grant still records the user
			if err := s.saveLocked(); err != nil {
				delete(s.doc.Users, user)
				return false, err
			}
		}
		return false, nil
	}

	u.Credits--
	if err := s.saveLocked(); err != nil {
		u.Credits++
		if created {
			delete(s.doc.Users, user)
		}
		return false, err
	}
	L_debug("ledger: credit consumed", "user", user, "remaining", u.Credits)
	return true, nil
}

// RefundCredit gives back a credit taken by ConsumeCredit. No-op for the owner.
func (s *Store) RefundCredit(user string, isOwner bool) error {
	if isOwner {
		return nil
	}
	_, err := s.GrantCredit(user, 1)
	return err
}

// GrantCredit adds amount credits to target and returns the new balance.
func (s *Store) GrantCredit(target string, amount int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must be >= 0, got %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, created := s.userLocked(target)
	u.Credits += amount
	if err := s.saveLocked(); err != nil {
		u.Credits -= amount
		if created {
			delete(s.doc.Users, target)
		}
		return 0, err
	}
	L_info("ledger: credits granted", "user", target, "amount", amount, "balance", u.Credits)
	return u.Credits, nil
}

// NormalizeKey lowercases and trims a memory key
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// SaveMemory stores value under key, replacing any previous value
func (s *Store) SaveMemory(key, value string) error {
	key = NormalizeKey(key)
	if key == "" {
		return fmt.Errorf("memory key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.doc.Knowledge[key]
	s.doc.Knowledge[key] = value
	if err := s.saveLocked(); err != nil {
		if existed {
			s.doc.Knowledge[key] = prev
		} else {
			delete(s.doc.Knowledge, key)
		}
		return err
	}
	L_debug("ledger: memory saved", "key", key, "len", len(value))
	return nil
}

// GetMemory returns the value stored under key or ErrNotFound
func (s *Store) GetMemory(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.doc.Knowledge[NormalizeKey(key)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// ListMemoryKeys returns all keys in sorted order
func (s *Store) ListMemoryKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.doc.Knowledge))
	for k := range s.doc.Knowledge {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DeleteMemory removes key and reports whether it existed
func (s *Store) DeleteMemory(key string) (bool, error) {
	key = NormalizeKey(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.doc.Knowledge[key]
	if !ok {
		return false, nil
	}
	delete(s.doc.Knowledge, key)
	if err := s.saveLocked(); err != nil {
		s.doc.Knowledge[key] = prev
		return false, err
	}
	L_debug("ledger: memory deleted", "key", key)
	return true, nil
}

// KnowledgeJSON returns the knowledge base as compact JSON for prompts
func (s *Store) KnowledgeJSON() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(s.doc.Knowledge)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Stats returns the number of users and memory entries
func (s *Store) Stats() (users, memories int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Users), len(s.doc.Knowledge)
}

// Snapshot returns a deep copy of the document
func (s *Store) Snapshot() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := newDocument()
	for id, u := range s.doc.Users {
		out.Users[id] = &UserRecord{Credits: u.Credits}
	}
	for k, v := range s.doc.Knowledge {
		out.Knowledge[k] = v
	}
	return out
}

func (s *Store) saveLocked() error {
	if err := atomicWriteJSON(s.path, s.doc, 0600); err != nil {
		L_error("ledger: save failed", "path", s.path, "error", err)
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	return nil
}
