package main

import "github.com/vinhnx/vtcode/pkg/tools"

// processManagerPTY adapts a *tools.ProcessManager (the backing store for
// the process tool's background exec sessions) to scheduler.PTYTerminator.
type processManagerPTY struct {
	processes *tools.ProcessManager
}

func newProcessManagerPTY(pm *tools.ProcessManager) *processManagerPTY {
	return &processManagerPTY{processes: pm}
}

func (p *processManagerPTY) ActiveSessions() int {
	n := 0
	for _, snap := range p.processes.ListSnapshots() {
		if snap.Status == "running" {
			n++
		}
	}
	return n
}

func (p *processManagerPTY) TerminateAll() {
	for _, snap := range p.processes.ListSnapshots() {
		if snap.Status == "running" {
			_, _ = p.processes.Kill(snap.SessionID)
		}
	}
}
