// Package codec implements the wire codec of the external-module line
// protocol: the percent escape scheme, parsing of inbound lines into tagged
// message records, and serialization of outbound commands.
//
// Frames are newline-delimited. Within a frame, ":" separates fields; every
// field except the leading verb is escape-encoded. The codec never fails on
// malformed input — undecodable lines parse as message.KindError with the
// raw line preserved.
package codec

import (
	"strings"

	"github.com/0LEG0/next-yate/message"
)

// Outbound verbs.
const (
	VerbConnect   = "%%>connect"
	VerbOutput    = "%%>output"
	VerbSetlocal  = "%%>setlocal"
	VerbInstall   = "%%>install"
	VerbUninstall = "%%>uninstall"
	VerbWatch     = "%%>watch"
	VerbUnwatch   = "%%>unwatch"
	VerbMessage   = "%%>message"
	VerbAck       = "%%<message"
)

// Inbound reply verbs.
const (
	replyMessage   = "%%<message"
	replyInstall   = "%%<install"
	replyUninstall = "%%<uninstall"
	replyWatch     = "%%<watch"
	replyUnwatch   = "%%<unwatch"
	replySetlocal  = "%%<setlocal"
	errorPrefix    = "Error in"
)

// Connection roles for the %%>connect handshake.
const (
	RoleGlobal  = "global"
	RoleChannel = "channel"
	RolePlay    = "play"
	RoleRecord  = "record"
	RolePlayRec = "playrec"
)

// Escape encodes a field value. Bytes below 32, ":", and the optional extra
// byte are written as '%' followed by code+64; a literal '%' doubles.
func Escape(s string, extra byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteString("%%")
		case c < 32 || c == ':' || (extra != 0 && c == extra):
			b.WriteByte('%')
			b.WriteByte(c + 64)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape decodes a field value. "%%" yields a literal '%'; "%X" yields
// X-64. A trailing lone '%' is kept as-is rather than failing.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			b.WriteByte(c)
			break
		}
		next := s[i+1]
		if next == '%' {
			b.WriteByte('%')
		} else {
			b.WriteByte(next - 64)
		}
		i++
	}
	return b.String()
}

// parseParams decodes the key=value tail of a line. Each token splits on the
// first '='; both sides unescape.
func parseParams(tokens []string) message.Params {
	p := make(message.Params, len(tokens))
	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		k, v, found := strings.Cut(tok, "=")
		if !found {
			p[Unescape(k)] = ""
			continue
		}
		p[Unescape(k)] = Unescape(v)
	}
	return p
}

// encodeParams appends the serialized parameter tail to b. Internal "_" keys
// never serialize; empty values are skipped unless emitEmpty is set.
func encodeParams(b *strings.Builder, p message.Params, emitEmpty bool) {
	for _, k := range p.WireKeys(emitEmpty) {
		b.WriteByte(':')
		b.WriteString(Escape(k, '='))
		b.WriteByte('=')
		b.WriteString(Escape(p[k], 0))
	}
}
