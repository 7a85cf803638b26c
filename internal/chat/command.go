package chat

import "strings"

// CommandKind identifies a console input line.
type CommandKind int

const (
	CmdNone CommandKind = iota // empty line
	CmdMessage
	CmdRefresh
	CmdConnect
	CmdDisconnect
	CmdProfile
	CmdStatus
	CmdQuit
	CmdUnknown
)

// Command is a parsed input line. Arg is the message text, the profile name
// or the unknown command name.
type Command struct {
	Kind CommandKind
	Arg  string
}

const profilePrefix = "/profile "

// ParseCommand parses one console input line.
func ParseCommand(line string) Command {
	switch line {
	case "":
		return Command{Kind: CmdNone}
	case "/refresh":
		return Command{Kind: CmdRefresh}
	case "/connect":
		return Command{Kind: CmdConnect}
	case "/disconnect":
		return Command{Kind: CmdDisconnect}
	case "/status":
		return Command{Kind: CmdStatus}
	case "/quit":
		return Command{Kind: CmdQuit}
	}

	if strings.HasPrefix(line, profilePrefix) && len(line) > len(profilePrefix) {
		return Command{Kind: CmdProfile, Arg: line[len(profilePrefix):]}
	}
	if strings.HasPrefix(line, "/") {
		return Command{Kind: CmdUnknown, Arg: line[1:]}
	}
	return Command{Kind: CmdMessage, Arg: line}
}
