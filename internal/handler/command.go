package handler

import "strings"

// Command is the parsed form of an inbound message: PairCommand,
// StatusCommand or Unrecognized.
type Command interface {
	Name() string
	command()
}

// PairCommand links the chat using a code from the admin panel.
type PairCommand struct {
	Code string
}

// StatusCommand lists today's reservations.
type StatusCommand struct{}

// Unrecognized is any other message.
type Unrecognized struct{}

func (PairCommand) Name() string   { return "link" }
func (StatusCommand) Name() string { return "status" }
func (Unrecognized) Name() string  { return "" }

func (PairCommand) command()   {}
func (StatusCommand) command() {}
func (Unrecognized) command()  {}

// ParseCommand classifies text by its first whitespace-delimited token.
// Command names are case-insensitive and may carry a @botname suffix.
func ParseCommand(text string) Command {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Unrecognized{}
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(name) {
	case "link", "start":
		var code string
		if len(fields) > 1 {
			code = fields[1]
		}
		return PairCommand{Code: code}
	case "status":
		return StatusCommand{}
	}
	return Unrecognized{}
}
