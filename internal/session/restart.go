package session

import (
	"errors"
	"strings"

	"github.com/google/shlex"
)

// RestartCommand is the stored launch configuration a session is rebuilt
// from after a cooldown or crash. The template is never mutated in place;
// restart paths work on a Clone.
type RestartCommand struct {
	Template string   `json:"template"`
	Args     []string `json:"args,omitempty"`
}

// Clone returns a deep copy safe to mutate.
func (r *RestartCommand) Clone() *RestartCommand {
	if r == nil {
		return nil
	}
	clone := &RestartCommand{Template: r.Template}
	if len(r.Args) > 0 {
		clone.Args = make([]string, len(r.Args))
		copy(clone.Args, r.Args)
	}
	return clone
}

// BuildArgv parses the template into an argument vector (no shell
// interpretation) and appends the extra arguments.
func (r *RestartCommand) BuildArgv() ([]string, error) {
	if r == nil || strings.TrimSpace(r.Template) == "" {
		return nil, errors.New("restart command template must not be empty")
	}
	argv, err := shlex.Split(r.Template)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("restart command template parsed to nothing")
	}
	return append(argv, r.Args...), nil
}

// CommandLine renders the full command as a single display string.
func (r *RestartCommand) CommandLine() string {
	if r == nil {
		return ""
	}
	if len(r.Args) == 0 {
		return r.Template
	}
	return r.Template + " " + strings.Join(r.Args, " ")
}
