package transport

import "fmt"

// Cause is the numeric reason a connection closed. The values follow the
// status codes the WhatsApp web protocol reports.
type Cause int

const (
	CauseLocalFailure        Cause = -1 // the attempt failed on this host, before the server
	CauseLoggedOut           Cause = 401
	CauseTemporaryBan        Cause = 402
	CauseForbidden           Cause = 403
	CauseMethodNotAllowed    Cause = 405
	CauseTimedOut            Cause = 408
	CauseMultideviceMismatch Cause = 411
	CauseConnectionClosed    Cause = 428
	CauseConnectionReplaced  Cause = 440
	CauseBadSession          Cause = 500
	CauseUnavailable         Cause = 503
	CauseRestartRequired     Cause = 515
)

// CauseConnectionLost shares its code with a timed out connect
const CauseConnectionLost = CauseTimedOut

var causeNames = map[Cause]string{
	CauseLocalFailure:        "local failure",
	CauseLoggedOut:           "logged out",
	CauseTemporaryBan:        "temporarily banned",
	CauseForbidden:           "forbidden",
	CauseMethodNotAllowed:    "method not allowed",
	CauseTimedOut:            "timed out",
	CauseMultideviceMismatch: "multidevice mismatch",
	CauseConnectionClosed:    "connection closed",
	CauseConnectionReplaced:  "connection replaced",
	CauseBadSession:          "bad session",
	CauseUnavailable:         "unavailable",
	CauseRestartRequired:     "restart required",
}

// Local reports whether the cause came from this host rather than the server.
// Local causes are never terminal.
func (c Cause) Local() bool {
	return c < 0
}

func (c Cause) String() string {
	if name, ok := causeNames[c]; ok {
		return fmt.Sprintf("%d %s", int(c), name)
	}
	return fmt.Sprintf("%d", int(c))
}

// CauseSet is a set of causes treated as terminal for the stored session
type CauseSet map[Cause]struct{}

// NewCauseSet builds a set from raw codes
func NewCauseSet(codes ...int) CauseSet {
	s := make(CauseSet, len(codes))
	for _, c := range codes {
		s[Cause(c)] = struct{}{}
	}
	return s
}

// Contains reports whether c is in the set. Local causes never are.
func (s CauseSet) Contains(c Cause) bool {
	if c.Local() {
		return false
	}
	_, ok := s[c]
	return ok
}
