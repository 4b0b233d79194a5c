package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalItem_RoundTrip(t *testing.T) {
	items := []Item{
		Message{ID: "m1", Role: RoleAssistant, Text: "hi", Reasoning: "hm. ", Timestamp: time.Unix(100, 0).UTC()},
		ToolCall{ID: "t1", Name: "Bash", Input: map[string]interface{}{"command": "ls"}, Status: ToolStatusError, DenialReason: "no"},
	}
	for _, item := range items {
		data, err := MarshalItem(item)
		require.NoError(t, err)

		back, err := UnmarshalItem(data)
		require.NoError(t, err)
		assert.Equal(t, item, back)
	}
}

func TestUnmarshalItem_UnknownKind(t *testing.T) {
	_, err := UnmarshalItem([]byte(`{"kind":"hologram","item":{}}`))
	assert.Error(t, err)
}
