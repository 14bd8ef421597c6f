package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdesk-forge/helpdesk/pkg/mail"
)

func TestMailDeliveryInheritsEnvelopeID(t *testing.T) {
	env := mail.NewEnvelope("subject", "body", "from@example.com", "to@example.com")
	m := NewMailDelivery(env, "u1")

	assert.Equal(t, env.MessageID, m.ID)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, env, m.Payload.(MailDelivery).Envelope)
}

func TestOutgoingMessageRoundTrip(t *testing.T) {
	env := mail.NewEnvelope("Ticket #42 updated", "<p>hi</p>", "helpdesk@example.com",
		"a@example.com", "b@example.com")

	state, err := EncodeOutgoing(env)
	require.NoError(t, err)

	restored, err := DecodeOutgoing(state)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, restored.MessageID)
	assert.Equal(t, env.Subject, restored.Subject)
	assert.Equal(t, env.Body, restored.Body)
	assert.Equal(t, env.From, restored.From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, restored.To)
}

func TestDecodeOutgoingRejectsBadState(t *testing.T) {
	_, err := DecodeOutgoing("{not json")
	assert.Error(t, err)

	// Valid JSON but no message ID: the record cannot be correlated with
	// the failure log, so it is rejected rather than resent blind.
	_, err = DecodeOutgoing(`{"subject":"s","to":"a@example.com"}`)
	assert.Error(t, err)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "success", SeveritySuccess.String())
	assert.Equal(t, "info", SeverityInfo.String())
	assert.Equal(t, "warn", SeverityWarn.String())
	assert.Equal(t, "error", SeverityError.String())
}
