package mail

import (
	"strings"

	"github.com/google/uuid"
)

// Envelope is a composed e-mail message. The MessageID is assigned once and
// never changes, even when the message is requeued after a failed delivery;
// it is the join key between the dispatch queue, the in-flight working set
// and the durable failure log.
type Envelope struct {
	MessageID string
	Subject   string
	Body      string
	From      string
	To        []string
	ReplyTo   []string
}

// NewEnvelope composes an e-mail with a freshly assigned message ID.
// The to argument accepts comma- or semicolon-delimited address lists.
func NewEnvelope(subject, body, from string, to ...string) *Envelope {
	var rcpts []string
	for _, t := range to {
		rcpts = append(rcpts, SplitAddressList(t)...)
	}
	return &Envelope{
		MessageID: uuid.New().String(),
		Subject:   subject,
		Body:      body,
		From:      from,
		To:        rcpts,
	}
}

// SplitAddressList splits a comma- or semicolon-delimited address list,
// trimming whitespace and dropping empty entries.
func SplitAddressList(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';'
	})
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// JoinAddressList renders an address slice back into the comma-delimited
// form used for persistence.
func JoinAddressList(addrs []string) string {
	return strings.Join(addrs, ",")
}
