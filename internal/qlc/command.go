package qlc

import (
	"strconv"
	"strings"
)

const (
	// Namespace prefixes every structured API command.
	Namespace = "QLC+API"

	// MasterKey is the value-set key of the grand master.
	MasterKey = "GM_VALUE"

	// ResetDeskCommand resets the simple desk universe.
	ResetDeskCommand = Namespace + "|sdResetUniverse|1"

	// StopAllFunctionsCommand halts every running function.
	StopAllFunctionsCommand = Namespace + "|stopAllFunctions"

	separator = "|"
)

// CorrelationPrefix returns the first two pipe-delimited tokens of a command,
// joined by a pipe. Replies are matched against it.
func CorrelationPrefix(command string) string {
	return strings.Join(leadingTokens(command), separator)
}

// Matches reports whether reply answers command: the reply's leading tokens
// must equal the command's correlation tokens one for one.
func Matches(command, reply string) bool {
	want := leadingTokens(command)
	got := strings.SplitN(reply, separator, len(want)+1)
	if len(got) < len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func leadingTokens(s string) []string {
	tokens := strings.SplitN(s, separator, 3)
	if len(tokens) > 2 {
		tokens = tokens[:2]
	}
	return tokens
}

// ListWidgetsCommand asks for the virtual console widget list.
func ListWidgetsCommand() string {
	return Namespace + "|getWidgetsList"
}

// WidgetStatusCommand asks for the status of one widget.
func WidgetStatusCommand(id string) string {
	return Namespace + "|getWidgetStatus|" + id
}

// SetValueCommand builds a direct value-set frame.
func SetValueCommand(key string, value int) string {
	return key + separator + strconv.Itoa(value)
}

// MasterValueCommand sets the grand master level.
func MasterValueCommand(value int) string {
	return SetValueCommand(MasterKey, value)
}
