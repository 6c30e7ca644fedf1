package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, free int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "database.json"), Options{FreeCredits: free})
	require.NoError(t, err)
	return s
}

func TestNewUserGetsFreeCredit(t *testing.T) {
	s := openTemp(t, 1)

	bal, err := s.Credits("u1", false)
	require.NoError(t, err)
	assert.Equal(t, Balance{Credits: 1}, bal)

	ok, err := s.ConsumeCredit("u1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeCredit("u1", false)
	require.NoError(t, err)
	assert.False(t, ok, "zero balance must refuse")

	bal, err = s.Credits("u1", false)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Credits)
}

func TestOwnerIsUnlimited(t *testing.T) {
	s := openTemp(t, 0)

	for i := 0; i < 5; i++ {
		ok, err := s.ConsumeCredit("owner", true)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	bal, err := s.Credits("owner", true)
	require.NoError(t, err)
	assert.True(t, bal.Unlimited)
	assert.Equal(t, "UNLIMITED", bal.String())

	users, _ := s.Stats()
	assert.Equal(t, 0, users, "owner never gets a record")
}

func TestGrantCredit(t *testing.T) {
	s := openTemp(t, 1)

	// unseen target gets the free grant first
	n, err := s.GrantCredit("u2", 5)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = s.GrantCredit("u2", 0)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	_, err = s.GrantCredit("u2", -1)
	require.Error(t, err)

	bal, err := s.Credits("u2", false)
	require.NoError(t, err)
	assert.Equal(t, 6, bal.Credits)
}

func TestRefundCredit(t *testing.T) {
	s := openTemp(t, 1)

	ok, err := s.ConsumeCredit("u", false)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.RefundCredit("u", false))

	bal, err := s.Credits("u", false)
	require.NoError(t, err)
	assert.Equal(t, 1, bal.Credits)

	require.NoError(t, s.RefundCredit("owner", true))
}

func TestMemoryRoundTrip(t *testing.T) {
	s := openTemp(t, 1)

	require.NoError(t, s.SaveMemory("  WiFi ", "hunter2"))
	v, err := s.GetMemory("wifi")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	require.NoError(t, s.SaveMemory("wifi", "changed"))
	v, err = s.GetMemory("WIFI")
	require.NoError(t, err)
	assert.Equal(t, "changed", v)

	require.NoError(t, s.SaveMemory("alpha", "1"))
	assert.Equal(t, []string{"alpha", "wifi"}, s.ListMemoryKeys())

	existed, err := s.DeleteMemory("wifi")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteMemory("wifi")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.GetMemory("wifi")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.SaveMemory("   ", "x"))
}

func TestKnowledgeJSON(t *testing.T) {
	s := openTemp(t, 1)
	assert.Equal(t, "{}", s.KnowledgeJSON())

	require.NoError(t, s.SaveMemory("wifi", "hunter2"))
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(s.KnowledgeJSON()), &got))
	assert.Equal(t, map[string]string{"wifi": "hunter2"}, got)
}

func TestReloadEqualsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	s, err := Open(path, Options{FreeCredits: 1})
	require.NoError(t, err)

	_, err = s.GrantCredit("u1", 4)
	require.NoError(t, err)
	_, err = s.ConsumeCredit("u1", false)
	require.NoError(t, err)
	_, err = s.Credits("u2", false)
	require.NoError(t, err)
	require.NoError(t, s.SaveMemory("k", "v"))

	reloaded, err := Open(path, Options{FreeCredits: 1})
	require.NoError(t, err)
	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())

	bal, err := reloaded.Credits("u1", false)
	require.NoError(t, err)
	assert.Equal(t, 4, bal.Credits)
}

func TestDocumentFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "database.json")
	s, err := Open(path, Options{FreeCredits: 1})
	require.NoError(t, err)
	_, err = s.Credits("u1", false)
	require.NoError(t, err)
	require.NoError(t, s.SaveMemory("k", "v"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "users")
	assert.Contains(t, raw, "knowledge")
	assert.JSONEq(t, `{"u1":{"credits":1}}`, string(raw["users"]))
}

func TestCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "database.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	s, err := Open(path, Options{FreeCredits: 1})
	require.NoError(t, err)
	users, memories := s.Stats()
	assert.Zero(t, users)
	assert.Zero(t, memories)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var aside bool
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "database.json.corrupt-") {
			aside = true
		}
	}
	assert.True(t, aside)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	s := openTemp(t, 0)
	_, err := s.GrantCredit("u", 10)
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeCredit("u", false)
			if err == nil && ok {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, got)
	bal, err := s.Credits("u", false)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Credits)
}

func TestBackupRotation(t *testing.T) {
	s := openTemp(t, 1)
	require.NoError(t, s.SaveMemory("k", "1"))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Backup(3))
	}
	_, err := os.Stat(s.Path() + ".bak")
	assert.NoError(t, err)
	_, err = os.Stat(s.Path() + ".bak.1")
	assert.NoError(t, err)
	_, err = os.Stat(s.Path() + ".bak.2")
	assert.NoError(t, err)
	_, err = os.Stat(s.Path() + ".bak.3")
	assert.True(t, os.IsNotExist(err))
}

func TestStartBackupsRejectsBadSchedule(t *testing.T) {
	s := openTemp(t, 1)

	b, err := s.StartBackups("", 5)
	require.NoError(t, err)
	assert.Nil(t, b)
	b.Stop()

	_, err = s.StartBackups("not a schedule", 5)
	assert.Error(t, err)

	b, err = s.StartBackups("@daily", 5)
	require.NoError(t, err)
	b.Stop()
}
