package http

import (
	"encoding/json"
	"net/http"
	"time"

	"rsc.io/qr"

	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/supervisor"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

// StatusView is the JSON form of a session snapshot
type StatusView struct {
	Seq            uint64 `json:"seq"`
	Status         string `json:"status"`
	Phase          string `json:"phase"`
	Owner          string `json:"owner,omitempty"`
	CodeKind       string `json:"codeKind,omitempty"`
	PairingCode    string `json:"pairingCode,omitempty"` // QR payloads are served as images only
	CodeIssuedAt   string `json:"codeIssuedAt,omitempty"`
	ReconnectCount int    `json:"reconnectCount"`
	LastCause      int    `json:"lastCause,omitempty"`
	LastReason     string `json:"lastReason,omitempty"`
	StartedAt      string `json:"startedAt,omitempty"`
	ConnectedAt    string `json:"connectedAt,omitempty"`
	Uptime         string `json:"uptime,omitempty"`
}

// NewStatusView converts a snapshot for the page and API
func NewStatusView(snap supervisor.Snapshot) StatusView {
	v := StatusView{
		Seq:            snap.Seq,
		Status:         string(snap.Status),
		Phase:          string(snap.Phase),
		Owner:          snap.OwnerIdentity,
		ReconnectCount: snap.ReconnectCount,
		LastCause:      int(snap.LastCause),
		LastReason:     snap.LastReason,
	}
	if v.Status == "" {
		v.Status = string(supervisor.StatusDisconnected)
	}
	if pc := snap.PendingCode; pc != nil {
		v.CodeKind = pc.Kind.String()
		v.CodeIssuedAt = pc.IssuedAt.Format(time.RFC3339)
		if pc.Kind == transport.CodePairing {
			v.PairingCode = pc.Code
		}
	}
	if !snap.StartedAt.IsZero() {
		v.StartedAt = snap.StartedAt.Format(time.RFC3339)
		v.Uptime = time.Since(snap.StartedAt).Round(time.Second).String()
	}
	if !snap.ConnectedAt.IsZero() {
		v.ConnectedAt = snap.ConnectedAt.Format(time.RFC3339)
	}
	return v
}

// handleIndex serves the status page
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := struct {
		Title     string
		Status    StatusView
		Timestamp time.Time
	}{
		Title:     s.botName,
		Status:    NewStatusView(s.source.Snapshot()),
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.templates.ExecuteTemplate(w, "index.html", data); err != nil {
		L_error("http: template error", "error", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(NewStatusView(s.source.Snapshot())); err != nil {
		L_debug("http: status encode failed", "error", err)
	}
}

// handleQR serves the pending QR code as a PNG. Without one it answers 404
// with a short notice.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	pc := snap.PendingCode

	if pc == nil || pc.Kind != transport.CodeQR {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusNotFound)
		switch {
		case snap.Status == supervisor.StatusConnected:
			w.Write([]byte("Connected, no QR code needed.\n"))
		case pc != nil && pc.Kind == transport.CodePairing:
			w.Write([]byte("Pairing code: " + pc.Code + "\n"))
		default:
			w.Write([]byte("No QR code yet, refresh shortly.\n"))
		}
		return
	}

	code, err := qr.Encode(pc.Code, qr.M)
	if err != nil {
		L_error("http: qr encode failed", "error", err)
		http.Error(w, "QR encode failed", http.StatusInternalServerError)
		return
	}
	code.Scale = 6

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(code.PNG())
}
