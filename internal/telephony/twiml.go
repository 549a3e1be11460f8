package telephony

import (
	"fmt"
	"sort"
	"strings"
)

// Minimal TwiML builders for the handful of responses the orchestrator
// needs. This is deliberately not a general TwiML engine.

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escape(s string) string {
	return xmlEscaper.Replace(s)
}

// ConnectStream returns TwiML that bridges the call's audio to a media
// stream websocket, passing custom parameters through to the stream start
// event. Parameters are rendered in sorted key order so the output is
// deterministic.
func ConnectStream(streamURL string, params map[string]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect>`)
	fmt.Fprintf(&b, `<Stream url="%s">`, escape(streamURL))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, `<Parameter name="%s" value="%s"/>`, escape(k), escape(params[k]))
	}

	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

// DialConference returns TwiML that joins the call into a named conference
// room with join/leave events delivered to callbackURL.
func DialConference(room, callbackURL string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Dial><Conference statusCallback="%s" statusCallbackEvent="start end join leave" endConferenceOnExit="true">%s</Conference></Dial></Response>`,
		escape(callbackURL), escape(room))
}

// SayAndHangup returns TwiML that speaks a message and ends the call.
func SayAndHangup(message string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say><Hangup/></Response>`,
		escape(message))
}

// SayAndHold returns TwiML that speaks a message and keeps the call up,
// pausing long enough for a follow-up update to arrive.
func SayAndHold(message string) string {
	return fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say><Pause length="120"/></Response>`,
		escape(message))
}
