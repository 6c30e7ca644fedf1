package whatsapp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/roelfdiedericks/askbot/internal/transport"
)

func userJID(user string) types.JID {
	return types.NewJID(user, types.DefaultUserServer)
}

func TestDisconnectCause(t *testing.T) {
	cases := []struct {
		name string
		evt  interface{}
		want transport.Cause
	}{
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureReason(401)}, transport.CauseLoggedOut},
		{"device gone", &events.LoggedOut{Reason: events.ConnectFailureReason(403), OnConnect: true}, transport.CauseLoggedOut},
		{"closed", &events.Disconnected{}, transport.CauseConnectionClosed},
		{"replaced", &events.StreamReplaced{}, transport.CauseConnectionReplaced},
		{"unavailable", &events.ConnectFailure{Reason: events.ConnectFailureReason(503)}, transport.CauseUnavailable},
		{"server error", &events.ConnectFailure{Reason: events.ConnectFailureReason(500)}, transport.CauseBadSession},
		{"restart", &events.StreamError{Code: "515"}, transport.CauseRestartRequired},
		{"stream error", &events.StreamError{Code: "xml-not-well-formed"}, transport.CauseBadSession},
		{"outdated", &events.ClientOutdated{}, transport.CauseMethodNotAllowed},
		{"ban", &events.TemporaryBan{Expire: time.Hour}, transport.CauseTemporaryBan},
		{"ban on connect", &events.ConnectFailure{Reason: events.ConnectFailureReason(402)}, transport.CauseTemporaryBan},
		{"keepalive lost", &events.KeepAliveTimeout{ErrorCount: keepAliveFailLimit}, transport.CauseConnectionLost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cause, reason, ok := disconnectCause(tc.evt)
			require.True(t, ok)
			assert.Equal(t, tc.want, cause)
			assert.NotEmpty(t, reason)
		})
	}

	_, _, ok := disconnectCause(&events.KeepAliveTimeout{ErrorCount: 1})
	assert.False(t, ok, "a single keepalive miss is not a disconnect")
	_, _, ok = disconnectCause(&events.Connected{})
	assert.False(t, ok)
}

func TestInboundPlainText(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   userJID("917001234567"),
				Sender: types.JID{User: "917001234567", Device: 3, Server: types.DefaultUserServer},
			},
			ID:        "ABC123",
			PushName:  "Asha",
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String(".ping")},
	}

	msg, ok := inboundFromEvent(evt)
	require.True(t, ok)
	assert.Equal(t, "ABC123", msg.ID)
	assert.Equal(t, "917001234567@s.whatsapp.net", msg.SenderID)
	assert.Equal(t, "917001234567@s.whatsapp.net", msg.ChatID)
	assert.Equal(t, ".ping", msg.BodyText)
	assert.Equal(t, "Asha", msg.PushName)
	assert.Empty(t, msg.QuotedText)
	assert.Empty(t, msg.SenderAltID)
}

func TestInboundReplyContext(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:      types.NewJID("120363000000", types.GroupServer),
				Sender:    types.NewJID("249786758348836", types.HiddenUserServer),
				SenderAlt: userJID("917001234567"),
				IsGroup:   true,
			},
			ID: "XYZ",
		},
		Message: &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(".save wifi"),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String("Q1"),
					Participant:   proto.String("919998887776:2@s.whatsapp.net"),
					QuotedMessage: &waE2E.Message{Conversation: proto.String("1234")},
				},
			},
		},
	}

	msg, ok := inboundFromEvent(evt)
	require.True(t, ok)
	assert.True(t, msg.IsGroup)
	assert.Equal(t, ".save wifi", msg.BodyText)
	assert.Equal(t, "1234", msg.QuotedText)
	assert.Equal(t, "919998887776@s.whatsapp.net", msg.QuotedAuthor)
	assert.Equal(t, "249786758348836@lid", msg.SenderID)
	assert.Equal(t, "917001234567@s.whatsapp.net", msg.SenderAltID)
}

func TestInboundImageCaption(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: userJID("1"), Sender: userJID("1")},
			ID:            "IMG",
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String(".ask what is this")}},
	}
	msg, ok := inboundFromEvent(evt)
	require.True(t, ok)
	assert.Equal(t, ".ask what is this", msg.BodyText)
}

func TestInboundWithoutTextSkipped(t *testing.T) {
	evt := &events.Message{
		Info:    types.MessageInfo{MessageSource: types.MessageSource{Chat: userJID("1"), Sender: userJID("1")}},
		Message: &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}},
	}
	_, ok := inboundFromEvent(evt)
	assert.False(t, ok)

	_, ok = inboundFromEvent(&events.Message{})
	assert.False(t, ok)
}

func TestBuildTextMessage(t *testing.T) {
	plain := buildTextMessage("hi", nil)
	assert.Equal(t, "hi", plain.GetConversation())
	assert.Nil(t, plain.GetExtendedTextMessage())

	quoted := buildTextMessage("pong", &transport.InboundMessage{ID: "M1", SenderID: "1@s.whatsapp.net", BodyText: ".ping"})
	ext := quoted.GetExtendedTextMessage()
	require.NotNil(t, ext)
	assert.Equal(t, "pong", ext.GetText())
	assert.Equal(t, "M1", ext.GetContextInfo().GetStanzaID())
	assert.Equal(t, "1@s.whatsapp.net", ext.GetContextInfo().GetParticipant())
	assert.Equal(t, ".ping", ext.GetContextInfo().GetQuotedMessage().GetConversation())
}

func TestSentSetEvictsOldest(t *testing.T) {
	s := newSentSet(2)
	s.Add("a")
	s.Add("b")
	assert.True(t, s.Contains("a"))
	s.Add("c")
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	chunks := splitMessage(text, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 8)+"\n", chunks[0])
	assert.Equal(t, strings.Repeat("b", 8), chunks[1])

	// multi-byte runes are never cut
	runes := strings.Repeat("é", 10)
	for _, c := range splitMessage(runes, 5) {
		assert.True(t, strings.HasPrefix(c, "é"))
		assert.Equal(t, 0, len(c)%2)
	}
	assert.Equal(t, runes, strings.Join(splitMessage(runes, 5), ""))

	long := splitMessage(strings.Repeat("x", 2*maxWhatsAppMessage+1), maxWhatsAppMessage)
	require.Len(t, long, 3)
	for _, c := range long {
		assert.LessOrEqual(t, len(c), 4000)
	}
}
