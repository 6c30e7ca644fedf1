package whatsapp

import (
	"fmt"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	. "github.com/roelfdiedericks/askbot/internal/logging"
	"github.com/roelfdiedericks/askbot/internal/transport"
)

// keepalive failures tolerated before the connection counts as lost
const keepAliveFailLimit = 3

// disconnectCause maps whatsmeow close signals onto transport causes.
// ok is false for events that do not end the connection.
func disconnectCause(evt interface{}) (cause transport.Cause, reason string, ok bool) {
	switch v := evt.(type) {
	case *events.Disconnected:
		return transport.CauseConnectionClosed, "websocket closed", true
	case *events.LoggedOut:
		// every logout reason invalidates the stored device
		return transport.CauseLoggedOut, fmt.Sprintf("logged out (%s, onConnect=%v)", v.Reason, v.OnConnect), true
	case *events.ConnectFailure:
		return transport.Cause(int(v.Reason)), fmt.Sprintf("connect failure: %s %s", v.Reason, v.Message), true
	case *events.StreamReplaced:
		return transport.CauseConnectionReplaced, "another client connected with this session", true
	case *events.TemporaryBan:
		return transport.CauseTemporaryBan, fmt.Sprintf("temporary ban code %d, expires in %s", int(v.Code), v.Expire), true
	case *events.ClientOutdated:
		return transport.CauseMethodNotAllowed, "client version outdated", true
	case *events.StreamError:
		if v.Code == "515" {
			return transport.CauseRestartRequired, "stream restart required", true
		}
		return transport.CauseBadSession, fmt.Sprintf("stream error %s", v.Code), true
	case *events.KeepAliveTimeout:
		if v.ErrorCount >= keepAliveFailLimit {
			return transport.CauseConnectionLost, fmt.Sprintf("%d keepalive failures", v.ErrorCount), true
		}
		L_debug("whatsapp: keepalive timeout", "errors", v.ErrorCount)
	}
	return 0, "", false
}

// inboundFromEvent extracts the routable parts of a message. Messages
// without any text are skipped.
func inboundFromEvent(evt *events.Message) (transport.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return transport.InboundMessage{}, false
	}

	body, ctxInfo := messageText(evt.Message)
	if body == "" {
		L_trace("whatsapp: ignoring message without text", "id", evt.Info.ID)
		return transport.InboundMessage{}, false
	}

	msg := transport.InboundMessage{
		ID:        string(evt.Info.ID),
		SenderID:  transport.CanonicalUserID(evt.Info.Sender.String()),
		ChatID:    evt.Info.Chat.String(),
		IsFromMe:  evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		PushName:  evt.Info.PushName,
		BodyText:  body,
		Timestamp: evt.Info.Timestamp,
	}
	if !evt.Info.SenderAlt.IsEmpty() {
		msg.SenderAltID = transport.CanonicalUserID(evt.Info.SenderAlt.String())
	}

	if ctxInfo != nil {
		if quoted := ctxInfo.GetQuotedMessage(); quoted != nil {
			msg.QuotedText = quotedText(quoted)
		}
		if p := ctxInfo.GetParticipant(); p != "" {
			msg.QuotedAuthor = transport.CanonicalUserID(p)
		}
	}
	return msg, true
}

// messageText returns the text body and reply context of a message
func messageText(m *waE2E.Message) (string, *waE2E.ContextInfo) {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation(), nil
	case m.GetExtendedTextMessage() != nil:
		ext := m.GetExtendedTextMessage()
		return ext.GetText(), ext.GetContextInfo()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return img.GetCaption(), img.GetContextInfo()
	case m.GetVideoMessage() != nil:
		vid := m.GetVideoMessage()
		return vid.GetCaption(), vid.GetContextInfo()
	}
	return "", nil
}

// quotedText returns the text of a replied-to message
func quotedText(m *waE2E.Message) string {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		return m.GetExtendedTextMessage().GetText()
	case m.GetImageMessage() != nil:
		return m.GetImageMessage().GetCaption()
	}
	return ""
}
