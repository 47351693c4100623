package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0LEG0/next-yate/message"
)

func TestEncodeConnect(t *testing.T) {
	assert.Equal(t, "%%>connect:global:next-yate:data", EncodeConnect(RoleGlobal, "next-yate", "data"))
	assert.Equal(t, "%%>connect:channel", EncodeConnect(RoleChannel, "", ""))
	assert.Equal(t, "%%>connect:play:chan/1", EncodeConnect(RolePlay, "chan/1", ""))
}

func TestEncodeSubscribeCommands(t *testing.T) {
	assert.Equal(t, "%%>install:100:call.route", EncodeInstall(100, "call.route", "", ""))
	assert.Equal(t, "%%>install:50:chan.dtmf:id:^sip/1$", EncodeInstall(50, "chan.dtmf", "id", "^sip/1$"))
	assert.Equal(t, "%%>uninstall:call.route", EncodeUninstall("call.route"))
	assert.Equal(t, "%%>watch:engine.timer", EncodeWatch("engine.timer"))
	assert.Equal(t, "%%>unwatch:engine.timer", EncodeUnwatch("engine.timer"))
	assert.Equal(t, "%%>setlocal:bufsize:4096", EncodeSetlocal("bufsize", "4096"))
	assert.Equal(t, "%%>setlocal:engine.version:", EncodeSetlocal("engine.version", ""))
}

func TestEncodeOutputUnescaped(t *testing.T) {
	// Output text travels raw; even colons stay.
	assert.Equal(t, "%%>output:note: 100% done", EncodeOutput("note: 100% done"))
}

func TestEncodeMessage(t *testing.T) {
	m := &message.Message{
		ID:       "171.99",
		Time:     171,
		Name:     "call.execute",
		Kind:     message.KindOutgoing,
		RetValue: "",
		Params: message.Params{
			"callto":  "wave/play/x.au",
			"_hidden": "never",
			"empty":   "",
		},
	}
	line := EncodeMessage(m, false)
	assert.Equal(t, "%%>message:171.99:171:call.execute:::callto=wave/play/x.au", line)

	// Emit-empties mode keeps blank values.
	line = EncodeMessage(m, true)
	assert.Equal(t, "%%>message:171.99:171:call.execute:::callto=wave/play/x.au:empty=", line)
}

func TestEncodeMessageEscapesFields(t *testing.T) {
	m := &message.Message{
		ID:       "1.2",
		Time:     1,
		Name:     "test",
		Kind:     message.KindOutgoing,
		RetValue: "a:b",
		Params:   message.Params{"text": "x:y"},
	}
	line := EncodeMessage(m, false)
	assert.Equal(t, "%%>message:1.2:1:test::a%zb:text=x%zy", line)

	back := ParseLine(line)
	require.Equal(t, "incoming", back.Kind.String())
	assert.Equal(t, "a:b", back.RetValue)
	assert.Equal(t, "x:y", back.Params["text"])
}

func TestEncodeAck(t *testing.T) {
	m := &message.Message{
		ID:        "42",
		Kind:      message.KindIncoming,
		Processed: true,
		RetValue:  "x",
		Params: message.Params{
			"called": "9999",
			"_conn":  "internal",
		},
	}
	assert.Equal(t, "%%<message:42:true::x:called=9999", EncodeAck(m))

	m.Processed = false
	m.RetValue = ""
	m.Params = message.Params{}
	assert.Equal(t, "%%<message:42:false::", EncodeAck(m))
}
