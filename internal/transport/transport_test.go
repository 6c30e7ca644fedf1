package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalUserID(t *testing.T) {
	cases := map[string]string{
		"917001234567:5@s.whatsapp.net":    "917001234567@s.whatsapp.net",
		"917001234567@s.whatsapp.net":      "917001234567@s.whatsapp.net",
		"917001234567.0:12@s.whatsapp.net": "917001234567@s.whatsapp.net",
		"917001234567":                     "917001234567@s.whatsapp.net",
		"249786758348836:3@lid":            "249786758348836@lid",
		"  ":                               "",
		"@s.whatsapp.net":                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalUserID(in), "input %q", in)
	}
}

func TestCauseSet(t *testing.T) {
	s := NewCauseSet(401, 500)
	assert.True(t, s.Contains(CauseLoggedOut))
	assert.True(t, s.Contains(CauseBadSession))
	assert.False(t, s.Contains(CauseTimedOut))
	assert.False(t, NewCauseSet().Contains(CauseLoggedOut))
	assert.False(t, s.Contains(CauseTemporaryBan))

	// local failures stay transient even when configured
	assert.False(t, NewCauseSet(-1, 401).Contains(CauseLocalFailure))
	assert.True(t, CauseLocalFailure.Local())
	assert.False(t, CauseBadSession.Local())
}

func TestCauseString(t *testing.T) {
	assert.Equal(t, "401 logged out", CauseLoggedOut.String())
	assert.Equal(t, "408 timed out", CauseConnectionLost.String())
	assert.Equal(t, "499", Cause(499).String())
	assert.Equal(t, "-1 local failure", CauseLocalFailure.String())
	assert.Equal(t, "402 temporarily banned", CauseTemporaryBan.String())
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "disconnected", EventName(DisconnectedEvent{Cause: CauseLoggedOut}))
	assert.Equal(t, "message", EventName(MessageEvent{}))
	assert.Equal(t, "nil", EventName(nil))
	assert.Equal(t, "pairing", CodePairing.String())
}
