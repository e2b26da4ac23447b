package flagparse

import (
	"fmt"

	"github.com/paulschiretz/pgl-autobackup/pkg/util"
)

// Command defines the command to execute.
type Command int

const (
	None Command = iota
	Init
	Run
	Backup
	Full
	Prune
	History
	Version
)

var commandToString = map[Command]string{
	None:    "none",
	Init:    "init",
	Run:     "run",
	Backup:  "backup",
	Full:    "full",
	Prune:   "prune",
	History: "history",
	Version: "version",
}

var stringToCommand map[string]Command

func init() {
	stringToCommand = util.InvertMap(commandToString)
}

func (c Command) String() string {
	if str, ok := commandToString[c]; ok {
		return str
	}
	return fmt.Sprintf("unknown_command(%d)", c)
}

func ParseCommand(s string) (Command, error) {
	if command, ok := stringToCommand[s]; ok && command != None {
		return command, nil
	}
	return None, fmt.Errorf("invalid command: %q. Must be 'init', 'run', 'backup', 'full', 'prune', 'history' or 'version'", s)
}
