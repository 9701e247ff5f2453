package hl7v2

import (
	"strings"
	"time"
)

// Acknowledgment codes. AA means the message was processed and its data
// durably stored; AE means it was rejected (parse failure or store
// conflict) and the sender should not treat it as delivered.
const (
	AckAccept = "AA"
	AckReject = "AE"
)

// ControlID scans raw message bytes for MSH-10 without requiring a full
// parse, so a reject acknowledgment can still echo the correlation
// identifier of a malformed message. Returns "UNKNOWN" when absent.
func ControlID(raw []byte) string {
	for _, line := range strings.FieldsFunc(string(raw), func(r rune) bool { return r == '\r' || r == '\n' }) {
		if !strings.HasPrefix(line, "MSH") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) > 9 && parts[9] != "" {
			return parts[9]
		}
	}
	return "UNKNOWN"
}

// BuildAck builds the acknowledgment payload for a received message:
//
//	MSH|^~\&|||||<ts>||ACK^R01|<control id>|2.5
//	MSA|<code>|<control id>
//
// The control id is recovered from the raw inbound bytes so even
// unparseable messages get a correlated reply.
func BuildAck(raw []byte, code string) []byte {
	controlID := ControlID(raw)
	ts := time.Now().UTC().Format("20060102150405")

	var b strings.Builder
	b.WriteString("MSH|^~\\&|||||")
	b.WriteString(ts)
	b.WriteString("||ACK^R01|")
	b.WriteString(controlID)
	b.WriteString("|2.5\rMSA|")
	b.WriteString(code)
	b.WriteString("|")
	b.WriteString(controlID)
	b.WriteString("\r")
	return []byte(b.String())
}
