package process

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
)

// CommandType names a script flavour as sent by the control plane.
type CommandType string

const (
	ShellScript      CommandType = "RunShellScript"
	BatScript        CommandType = "RunBatScript"
	PowerShellScript CommandType = "RunPowerShellScript"
)

// ErrUnsupportedCommandType is returned by Lookup for unknown command types.
var ErrUnsupportedCommandType = errors.New("unsupported command type")

// Kind knows how to turn script content into a command line.
type Kind struct {
	Type CommandType
	name string
	args []string
}

var kinds = map[CommandType]Kind{
	ShellScript:      {Type: ShellScript, name: "/bin/sh", args: []string{"-c"}},
	BatScript:        {Type: BatScript, name: "cmd", args: []string{"/C"}},
	PowerShellScript: {Type: PowerShellScript, name: "powershell", args: []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-Command"}},
}

// DefaultCommandType is used when a task does not name one.
func DefaultCommandType() CommandType {
	if runtime.GOOS == "windows" {
		return BatScript
	}
	return ShellScript
}

// Lookup returns the Kind registered for t. An empty t selects the host default.
func Lookup(t CommandType) (Kind, error) {
	if t == "" {
		t = DefaultCommandType()
	}
	kind, ok := kinds[t]
	if !ok {
		return Kind{}, fmt.Errorf("%w: %q", ErrUnsupportedCommandType, string(t))
	}
	return kind, nil
}

func (k Kind) command(content string) *exec.Cmd {
	args := append(append([]string{}, k.args...), content)
	return exec.Command(k.name, args...) // #nosec G204
}
