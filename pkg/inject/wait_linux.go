package inject

import (
	"time"

	sys "golang.org/x/sys/unix"
)

const waitPollInterval = 10 * time.Millisecond

func exitObserved(status sys.WaitStatus) bool {
	return status.Exited() || status.Signaled()
}

// WaitForExit waits up to timeout for the target to exit and reports
// whether it did. A zero or negative timeout waits indefinitely. The
// deadline is observed cooperatively at the wait boundary with a
// non-blocking reap, so a timer firing never races a blocking wait
// already in flight.
func (h *Handle) WaitForExit(timeout time.Duration) bool {
	if h.exited {
		return true
	}
	if h.execSelf {
		return false
	}
	if timeout <= 0 {
		return h.waitBlocking()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(waitPollInterval)
	defer tick.Stop()
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(h.pid, &status, sys.WNOHANG, nil)
		switch {
		case err == sys.EINTR:
			continue
		case err != nil:
			return false
		case wpid == h.pid && exitObserved(status):
			h.exited, h.status = true, status
			return true
		}
		select {
		case <-deadline.C:
			h.log.Debugf("pid %d still running after %v", h.pid, timeout)
			return false
		case <-tick.C:
		}
	}
}

func (h *Handle) waitBlocking() bool {
	for {
		var status sys.WaitStatus
		_, err := sys.Wait4(h.pid, &status, 0, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return false
		}
		if exitObserved(status) {
			h.exited, h.status = true, status
			return true
		}
	}
}

// ExitStatus returns the target's raw wait status. An exit that has
// already been observed yields the cached status; the pid may have been
// reused since, so it is never waited on again. With terminate set, a
// still-running target is killed (its whole group if
// PrepareNewProcessGroup was used) and reaped for its real status.
// Otherwise a single non-blocking reap is attempted and -1 stands in
// for "still running".
func (h *Handle) ExitStatus(terminate bool) int {
	if h.exited {
		return int(h.status)
	}
	if h.execSelf {
		return -1
	}
	if terminate {
		pid := h.pid
		if h.killpg {
			pid = -h.pid
		}
		sys.Kill(pid, sys.SIGKILL)
		if h.waitBlocking() {
			return int(h.status)
		}
		return -1
	}
	var status sys.WaitStatus
	wpid, err := sys.Wait4(h.pid, &status, sys.WNOHANG, nil)
	if err == nil && wpid == h.pid && exitObserved(status) {
		h.exited, h.status = true, status
		return int(h.status)
	}
	return -1
}

// Exited reports whether the target's exit has been observed.
func (h *Handle) Exited() bool { return h.exited }
