package regtrace

import "sync/atomic"

// Trigger is the one way switch that starts recording. It is Off until
// Observe sees the entry address and On forever after that.
type Trigger struct {
	on atomic.Bool
}

// Observe returns true if recording is on after seeing ip. Callers that
// need the transition and the write that follows it to be atomic must
// serialize calls themselves.
func (t *Trigger) Observe(ip, entry uint64) bool {
	if t.on.Load() {
		return true
	}
	if ip != entry {
		return false
	}
	t.on.Store(true)
	return true
}

// On returns true once the trigger has fired.
func (t *Trigger) On() bool {
	return t.on.Load()
}
