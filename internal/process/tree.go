package process

import (
	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// killTree kills every descendant of pid, deepest first. The root is left to
// the caller so that children are enumerated before they can be reparented.
func killTree(pid int32) {
	p, err := gopsprocess.NewProcess(pid)
	if err != nil {
		return
	}
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, child := range children {
		killTree(child.Pid)
		_ = child.Kill()
	}
}
