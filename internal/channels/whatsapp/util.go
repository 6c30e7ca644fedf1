package whatsapp

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	waLog "go.mau.fi/whatsmeow/util/log"

	. "github.com/roelfdiedericks/askbot/internal/logging"
)

// waLogger bridges whatsmeow's waLog.Logger to our L_* functions
type waLogger struct {
	module string
}

// NewLogger returns a waLog.Logger that writes through the askbot logger
func NewLogger(module string) waLog.Logger {
	return &waLogger{module: module}
}

func (l *waLogger) Debugf(msg string, args ...interface{}) {
	L_trace(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Infof(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{module: l.module + "/" + module}
}

// sentSet remembers the ids of recently sent messages
type sentSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSentSet(size int) *sentSet {
	return &sentSet{
		ids:  make(map[string]struct{}, size),
		ring: make([]string, size),
	}
}

func (s *sentSet) Add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}

func (s *sentSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// splitMessage splits a message into chunks that fit the WhatsApp limit
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		end := maxLen
		if end > len(text) {
			end = len(text)
		}
		// prefer a newline in the back half of the chunk
		if end < len(text) {
			if idx := strings.LastIndex(text[:end], "\n"); idx > end/2 {
				end = idx + 1
			}
			for end > 1 && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
