package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/paths"
)

// State is the supervisor's progress as persisted to supervisor.json
type State struct {
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Phase          Phase     `json:"phase"`
	ReconnectCount int       `json:"reconnect_count"`
	LastCause      int       `json:"last_cause,omitempty"`
	LastReason     string    `json:"last_reason,omitempty"`
	OwnerKnown     bool      `json:"owner_known"`
	AwaitingCode   string    `json:"awaiting_code,omitempty"` // "qr" or "pairing"
}

func stateFromSnapshot(snap Snapshot) State {
	st := State{
		PID:            os.Getpid(),
		StartedAt:      snap.StartedAt,
		UpdatedAt:      time.Now(),
		Phase:          snap.Phase,
		ReconnectCount: snap.ReconnectCount,
		LastCause:      int(snap.LastCause),
		LastReason:     snap.LastReason,
		OwnerKnown:     snap.OwnerIdentity != "",
	}
	if snap.PendingCode != nil {
		st.AwaitingCode = snap.PendingCode.Kind.String()
	}
	return st
}

// saveState persists state to supervisor.json in dir
func saveState(dir string, state State) {
	if dir == "" {
		return
	}
	statePath := filepath.Join(dir, paths.StateFile)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		L_error("supervisor: failed to marshal state", "error", err)
		return
	}

	if err := os.WriteFile(statePath, data, 0600); err != nil {
		L_error("supervisor: failed to write state", "error", err)
	}
}

// LoadState reads supervisor state from supervisor.json in dataDir
func LoadState(dataDir string) (*State, error) {
	statePath := filepath.Join(dataDir, paths.StateFile)

	data, err := os.ReadFile(statePath)
	if err != nil {
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}

	return &state, nil
}

// Alive reports whether the process that wrote the state is still running
func (s *State) Alive() bool {
	if s.PID <= 0 || s.Phase == PhaseTerminated {
		return false
	}
	proc, err := os.FindProcess(s.PID)
	if err != nil {
		return false
	}
	return signalZero(proc) == nil
}
