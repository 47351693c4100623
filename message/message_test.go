package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		m := New("call.route", "", nil)
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
}

func TestNewIDShape(t *testing.T) {
	m := New("engine.timer", "", nil)
	parts := strings.SplitN(m.ID, ".", 2)
	require.Len(t, parts, 2)
	assert.NotEmpty(t, parts[0])
	assert.NotEmpty(t, parts[1])
	assert.Equal(t, KindOutgoing, m.Kind)
	assert.NotNil(t, m.Params)
	assert.NotZero(t, m.Time)
}

func TestNonceStrictlyIncreasing(t *testing.T) {
	prev := Nonce()
	for i := 0; i < 100; i++ {
		n := Nonce()
		require.Greater(t, n, prev)
		prev = n
	}
}

func TestAcknowledgeFirstWins(t *testing.T) {
	m := &Message{ID: "42", Kind: KindIncoming}
	assert.False(t, m.Acknowledged())
	assert.True(t, m.Acknowledge())
	assert.False(t, m.Acknowledge(), "second acknowledge must lose")
	assert.True(t, m.Acknowledged())
}

func TestAcknowledgeConcurrentSingleWinner(t *testing.T) {
	m := &Message{ID: "42", Kind: KindIncoming}
	wins := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		go func() {
			wins <- m.Acknowledge()
		}()
	}
	winners := 0
	for i := 0; i < 32; i++ {
		if <-wins {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestCloneDetachesParams(t *testing.T) {
	m := New("call.execute", "tone/ring", Params{"id": "test/1"})
	m.Acknowledge()

	c := m.Clone()
	c.Params["id"] = "test/2"

	assert.Equal(t, "test/1", m.Params["id"])
	assert.Equal(t, m.ID, c.ID)
	assert.Equal(t, m.RetValue, c.RetValue)
	assert.False(t, c.Acknowledged(), "clone starts unacknowledged")
}

func TestKindStrings(t *testing.T) {
	assert.Equal(t, "incoming", KindIncoming.String())
	assert.Equal(t, "outgoing", KindOutgoing.String())
	assert.Equal(t, "answer", KindAnswer.String())
	assert.Equal(t, "notification", KindNotification.String())
	assert.Equal(t, "setlocal", KindSetlocal.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
