// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package pty

import (
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// sweepInterval is how often a terminating session is re-listed.
const sweepInterval = 50 * time.Millisecond

// sessionMembers lists the live processes whose session id is sid. The
// shell is the session leader, so this covers background jobs that job
// control moved into their own process groups, and orphans that outlived
// the shell. Zombies are left out. Without /proc it returns nil.
func sessionMembers(sid int) []int {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil
	}
	var pids []int
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// Exited while listing.
			continue
		}
		if stat.Session == sid && stat.State != "Z" {
			pids = append(pids, p.PID)
		}
	}
	return pids
}

// signalSession sends sig to the shell's process group and to every other
// member of its session.
func signalSession(sid int, sig unix.Signal) {
	_ = unix.Kill(-sid, sig)
	for _, pid := range sessionMembers(sid) {
		_ = unix.Kill(pid, sig)
	}
}

// sweepSession hangs up every remaining member of the session, waits up to
// grace for them to go and kills whatever is left.
func sweepSession(sid int, grace time.Duration) {
	if len(sessionMembers(sid)) == 0 {
		return
	}
	signalSession(sid, unix.SIGHUP)
	signalSession(sid, unix.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if len(sessionMembers(sid)) == 0 {
			return
		}
		time.Sleep(sweepInterval)
	}
	signalSession(sid, unix.SIGKILL)
}
