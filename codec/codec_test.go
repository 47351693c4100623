package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeKnownVector(t *testing.T) {
	// ':' escapes to %z (58+64=122), '\n' to %J (10+64=74), '%' doubles.
	in := "a:b%c\nd"
	out := Escape(in, 0)
	assert.Equal(t, "a%zb%%c%Jd", out)
	assert.Equal(t, in, Unescape(out))
}

func TestEscapeRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"with:colon",
		"percent%sign",
		"ctrl\x01\x02\x1fchars",
		"newline\nand\rtab\t",
		"100%:done\n",
		strings.Repeat("%:", 50),
		"\x00nul",
	}
	for _, in := range inputs {
		esc := Escape(in, 0)
		assert.Equal(t, in, Unescape(esc), "round trip of %q", in)
		for i := 0; i < len(esc); i++ {
			assert.GreaterOrEqual(t, esc[i], byte(32), "escaped %q has raw control byte", in)
			assert.NotEqual(t, byte(':'), esc[i], "escaped %q has raw colon", in)
		}
	}
}

func TestEscapeExtraCharacter(t *testing.T) {
	out := Escape("key=value", '=')
	assert.NotContains(t, out, "=")
	assert.Equal(t, "key=value", Unescape(out))
}

func TestUnescapeTrailingPercent(t *testing.T) {
	// Malformed input must not panic; the lone '%' survives.
	assert.Equal(t, "abc%", Unescape("abc%"))
}

func TestParseIncoming(t *testing.T) {
	m := ParseLine("%%>message:0x1.abc:1700000000:call.route::tone/ring:called=9999:caller=123")
	require.Equal(t, "incoming", m.Kind.String())
	assert.Equal(t, "0x1.abc", m.ID)
	assert.Equal(t, int64(1700000000), m.Time)
	assert.Equal(t, "call.route", m.Name)
	assert.Equal(t, "tone/ring", m.RetValue)
	assert.Equal(t, "9999", m.Params["called"])
	assert.Equal(t, "123", m.Params["caller"])
}

func TestParseIncomingEscapedParams(t *testing.T) {
	m := ParseLine("%%>message:1:1700000000:chan.dtmf::" + ":text=" + Escape("a:b\nc", 0))
	assert.Equal(t, "a:b\nc", m.Params["text"])
}

func TestParseAnswer(t *testing.T) {
	m := ParseLine("%%<message:42:true:call.route:sip/123:called=9999")
	assert.Equal(t, "answer", m.Kind.String())
	assert.Equal(t, "42", m.ID)
	assert.True(t, m.Processed)
	assert.Equal(t, "call.route", m.Name)
	assert.Equal(t, "sip/123", m.RetValue)
	assert.Equal(t, "9999", m.Params["called"])
}

func TestParseNotification(t *testing.T) {
	// Empty id marks a watcher notification.
	m := ParseLine("%%<message::false:chan.notify::targetid=next-yate-notify/7")
	assert.Equal(t, "notification", m.Kind.String())
	assert.Empty(t, m.ID)
	assert.Equal(t, "chan.notify", m.Name)
	assert.Equal(t, "next-yate-notify/7", m.Params["targetid"])
}

func TestParseSubscribeReplies(t *testing.T) {
	m := ParseLine("%%<install:100:call.route:true")
	assert.Equal(t, "install", m.Kind.String())
	assert.Equal(t, 100, m.Priority)
	assert.Equal(t, "call.route", m.Name)
	assert.True(t, m.Processed)

	m = ParseLine("%%<uninstall:100:call.route:false")
	assert.Equal(t, "uninstall", m.Kind.String())
	assert.False(t, m.Processed)

	m = ParseLine("%%<watch:engine.timer:true")
	assert.Equal(t, "watch", m.Kind.String())
	assert.Equal(t, "engine.timer", m.Name)
	assert.True(t, m.Processed)

	m = ParseLine("%%<unwatch:engine.timer:true")
	assert.Equal(t, "unwatch", m.Kind.String())
}

func TestParseSetlocalReply(t *testing.T) {
	m := ParseLine("%%<setlocal:bufsize:8192:true")
	assert.Equal(t, "setlocal", m.Kind.String())
	assert.Equal(t, "bufsize", m.Name)
	assert.Equal(t, "8192", m.RetValue)
	assert.True(t, m.Processed)
}

func TestParseMalformed(t *testing.T) {
	lines := []string{
		"garbage",
		"%%>message:too:few",
		"%%>message:id:notanumber:call.route:",
		"%%<install:NaN:call.route:true",
		"%%<setlocal:name",
		"Error in message: unknown keyword",
		"",
	}
	for _, line := range lines {
		m := ParseLine(line)
		require.NotNil(t, m, "line %q", line)
		assert.Equal(t, "error", m.Kind.String(), "line %q", line)
		assert.Equal(t, strings.TrimRight(line, "\r\n"), m.RetValue)
	}
}

func TestParseStripsNewline(t *testing.T) {
	m := ParseLine("%%<watch:engine.timer:true\r\n")
	assert.Equal(t, "watch", m.Kind.String())
}
