package hybrid

import "time"

type Status struct {
	Mode            Mode       `json:"mode"`
	CloudActive     bool       `json:"cloudActive"`
	IdentityPresent bool       `json:"identityPresent"`
	DemoMode        bool       `json:"demoMode"`
	Syncing         bool       `json:"syncing"`
	PendingWrites   int64      `json:"pendingWrites"`
	LastSyncTime    *time.Time `json:"lastSyncTime,omitempty"`
}

func (c *Coordinator) Status() Status {
	status := Status{
		Mode:            c.Mode(),
		CloudActive:     c.IsCloudActive(),
		IdentityPresent: c.identity.IdentityPresent(),
		DemoMode:        c.demo.DemoModeActive(),
		Syncing:         c.IsSyncing(),
		PendingWrites:   c.pendingWrites(),
	}
	if ts, ok := c.LastSyncTime(); ok {
		status.LastSyncTime = &ts
	}
	return status
}

// Subscribe registers fn to be called with a fresh Status whenever the mode,
// the last sync time or the syncing flag changes. Callbacks run on the
// goroutine that made the change and must not block.
func (c *Coordinator) Subscribe(fn func(Status)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	c.subMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subscribers, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.subMu.Lock()
	if len(c.subscribers) == 0 {
		c.subMu.Unlock()
		return
	}
	fns := make([]func(Status), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	status := c.Status()
	for _, fn := range fns {
		fn(status)
	}
}
