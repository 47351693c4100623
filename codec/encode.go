package codec

import (
	"strconv"
	"strings"

	"github.com/0LEG0/next-yate/message"
)

// EncodeConnect builds the %%>connect handshake line. The id and typ fields
// are optional and omitted when empty.
func EncodeConnect(role, id, typ string) string {
	var b strings.Builder
	b.WriteString(VerbConnect)
	b.WriteByte(':')
	b.WriteString(Escape(role, 0))
	if id != "" || typ != "" {
		b.WriteByte(':')
		b.WriteString(Escape(id, 0))
	}
	if typ != "" {
		b.WriteByte(':')
		b.WriteString(Escape(typ, 0))
	}
	return b.String()
}

// EncodeOutput builds a %%>output line. The text travels unescaped; embedded
// newlines must already be split by the caller.
func EncodeOutput(text string) string {
	return VerbOutput + ":" + text
}

// EncodeSetlocal builds a %%>setlocal line. An empty value queries the
// current setting.
func EncodeSetlocal(name, value string) string {
	return VerbSetlocal + ":" + Escape(name, 0) + ":" + Escape(value, 0)
}

// EncodeInstall builds a %%>install line. The filter pair is omitted when
// filterName is empty.
func EncodeInstall(priority int, name, filterName, filterValue string) string {
	var b strings.Builder
	b.WriteString(VerbInstall)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(priority))
	b.WriteByte(':')
	b.WriteString(Escape(name, 0))
	if filterName != "" {
		b.WriteByte(':')
		b.WriteString(Escape(filterName, 0))
		b.WriteByte(':')
		b.WriteString(Escape(filterValue, 0))
	}
	return b.String()
}

// EncodeUninstall builds a %%>uninstall line.
func EncodeUninstall(name string) string {
	return VerbUninstall + ":" + Escape(name, 0)
}

// EncodeWatch builds a %%>watch line.
func EncodeWatch(name string) string {
	return VerbWatch + ":" + Escape(name, 0)
}

// EncodeUnwatch builds a %%>unwatch line.
func EncodeUnwatch(name string) string {
	return VerbUnwatch + ":" + Escape(name, 0)
}

// EncodeMessage serializes an outgoing message:
// %%>message:<id>:<time>:<name>::<retvalue>[:<k>=<v>...]
// The empty field between name and return value mirrors the inbound
// grammar parseIncoming reads.
func EncodeMessage(m *message.Message, emitEmpty bool) string {
	var b strings.Builder
	b.WriteString(VerbMessage)
	b.WriteByte(':')
	b.WriteString(Escape(m.ID, 0))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(m.Time, 10))
	b.WriteByte(':')
	b.WriteString(Escape(m.Name, 0))
	b.WriteString("::")
	b.WriteString(Escape(m.RetValue, 0))
	encodeParams(&b, m.Params, emitEmpty)
	return b.String()
}

// EncodeAck serializes the acknowledgement of an incoming message:
// %%<message:<id>:<handled>::<retvalue>[:<k>=<v>...]
// The name field stays empty; internal "_" keys never serialize.
func EncodeAck(m *message.Message) string {
	var b strings.Builder
	b.WriteString(VerbAck)
	b.WriteByte(':')
	b.WriteString(Escape(m.ID, 0))
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(m.Processed))
	b.WriteString("::")
	b.WriteString(Escape(m.RetValue, 0))
	encodeParams(&b, m.Params, false)
	return b.String()
}
