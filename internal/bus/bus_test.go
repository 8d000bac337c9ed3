package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelNameIsNamespacedBySpec(t *testing.T) {
	assert.Equal(t, "resourced:updates:tables.app1.users", channelName("tables.app1.users"))
	assert.NotEqual(t, channelName("a"), channelName("b"))
}

func TestLeaderKeyIsNamespacedBySpec(t *testing.T) {
	assert.Equal(t, "resourced:leader:tables.app1.users", leaderKey("tables.app1.users"))
	assert.NotEqual(t, leaderKey("a"), leaderKey("b"))
}

func TestMessageRoundTripsThroughJSON(t *testing.T) {
	msg := Message{
		Origin:   "instance-a",
		Revision: 7,
		Elements: []Element{
			{Ident: "name", Value: json.RawMessage(`"alice"`), Revision: 7},
			{Ident: "age", Deleted: true, Revision: 7},
		},
	}

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, msg, decoded)
}

func TestMessageOmitsEmptyOptionalFields(t *testing.T) {
	payload, err := json.Marshal(Message{Origin: "instance-a", Revision: 1})
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &fields))
	_, hasError := fields["error"]
	_, hasReason := fields["reason"]
	_, hasElements := fields["elements"]
	assert.False(t, hasError)
	assert.False(t, hasReason)
	assert.False(t, hasElements)
}
