package codec

import (
	"strconv"
	"strings"

	"github.com/0LEG0/next-yate/message"
)

// ParseLine parses one inbound frame into a tagged message record. The
// trailing newline may be present or already stripped. Lines with an unknown
// verb or invalid numeric fields come back as message.KindError with the raw
// line in RetValue; ParseLine never panics on malformed input.
func ParseLine(line string) *message.Message {
	line = strings.TrimRight(line, "\r\n")

	verb, rest, _ := strings.Cut(line, ":")
	switch verb {
	case VerbMessage:
		return parseIncoming(line, rest)
	case replyMessage:
		return parseAnswer(line, rest)
	case replyInstall:
		return parseSubscribeReply(line, rest, message.KindInstall, true)
	case replyUninstall:
		return parseSubscribeReply(line, rest, message.KindUninstall, true)
	case replyWatch:
		return parseSubscribeReply(line, rest, message.KindWatch, false)
	case replyUnwatch:
		return parseSubscribeReply(line, rest, message.KindUnwatch, false)
	case replySetlocal:
		return parseSetlocalReply(line, rest)
	}
	if strings.HasPrefix(line, errorPrefix) {
		return errorRecord(line)
	}
	return errorRecord(line)
}

func errorRecord(line string) *message.Message {
	return &message.Message{
		Kind:     message.KindError,
		RetValue: line,
		Params:   message.Params{},
	}
}

// %%>message:<id>:<time>:<name>::<retvalue>[:<k>=<v>...]
// Five leading fields: id, time, name, the always-empty separator field,
// and the return value; parameters follow.
func parseIncoming(line, rest string) *message.Message {
	fields := strings.Split(rest, ":")
	if len(fields) < 5 {
		return errorRecord(line)
	}
	t, err := strconv.ParseInt(Unescape(fields[1]), 10, 64)
	if err != nil {
		return errorRecord(line)
	}
	return &message.Message{
		ID:       Unescape(fields[0]),
		Time:     t,
		Name:     Unescape(fields[2]),
		Kind:     message.KindIncoming,
		RetValue: Unescape(fields[4]),
		Params:   parseParams(fields[5:]),
	}
}

// %%<message:<id>:<processed>:[<name>]:<retvalue>[:<k>=<v>...]
// An empty id means the record is a notification for a message handled
// elsewhere; otherwise it answers a prior dispatch.
func parseAnswer(line, rest string) *message.Message {
	fields := strings.Split(rest, ":")
	if len(fields) < 4 {
		return errorRecord(line)
	}
	m := &message.Message{
		ID:        Unescape(fields[0]),
		Kind:      message.KindAnswer,
		Processed: Unescape(fields[1]) == "true",
		Name:      Unescape(fields[2]),
		RetValue:  Unescape(fields[3]),
		Params:    parseParams(fields[4:]),
	}
	if m.ID == "" {
		m.Kind = message.KindNotification
	}
	return m
}

// %%<install:<priority>:<name>:<success> and friends. Watch replies carry no
// priority field.
func parseSubscribeReply(line, rest string, kind message.Kind, hasPriority bool) *message.Message {
	fields := strings.Split(rest, ":")
	m := &message.Message{Kind: kind, Params: message.Params{}}
	if hasPriority {
		if len(fields) < 3 {
			return errorRecord(line)
		}
		prio, err := strconv.Atoi(Unescape(fields[0]))
		if err != nil {
			return errorRecord(line)
		}
		m.Priority = prio
		fields = fields[1:]
	} else if len(fields) < 2 {
		return errorRecord(line)
	}
	m.Name = Unescape(fields[0])
	m.Processed = Unescape(fields[1]) == "true"
	return m
}

// %%<setlocal:<name>:<value>:<success>
func parseSetlocalReply(line, rest string) *message.Message {
	fields := strings.Split(rest, ":")
	if len(fields) < 3 {
		return errorRecord(line)
	}
	return &message.Message{
		Kind:      message.KindSetlocal,
		Name:      Unescape(fields[0]),
		RetValue:  Unescape(fields[1]),
		Processed: Unescape(fields[2]) == "true",
		Params:    message.Params{},
	}
}
