package credential

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waAdv"
	"go.mau.fi/whatsmeow/types"
)

func openTemp(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "whatsapp.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadEmpty(t *testing.T) {
	s := openTemp(t)
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewIsUnpaired(t *testing.T) {
	s := openTemp(t)
	c := s.New()
	require.NotNil(t, c)
	assert.False(t, c.Paired())
	assert.Equal(t, "", c.ID())

	// nothing to write for an unpaired device
	require.NoError(t, s.Persist(context.Background(), c))
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWipeIdempotent(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Wipe(ctx))
	require.NoError(t, s.Wipe(ctx))

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

// pairedCredential fills in what a completed link leaves on the device
func pairedCredential(s *SQLStore) *Credential {
	c := s.New()
	jid := types.NewADJID("15550000001", 0, 1)
	c.Device.ID = &jid
	c.Device.Account = &waAdv.ADVSignedDeviceIdentity{
		Details:             []byte("details"),
		AccountSignature:    make([]byte, 64),
		AccountSignatureKey: make([]byte, 32),
		DeviceSignature:     make([]byte, 64),
	}
	return c
}

func TestWipeRemovesPairedDevice(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	c := pairedCredential(s)
	require.True(t, c.Paired())
	require.NoError(t, s.Persist(ctx, c))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, loaded.Paired())
	assert.Equal(t, c.ID(), loaded.ID())

	require.NoError(t, s.Wipe(ctx))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Wipe(ctx))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNilCredential(t *testing.T) {
	var c *Credential
	assert.False(t, c.Paired())
	assert.Equal(t, "", c.ID())
}
