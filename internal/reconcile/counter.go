package reconcile

// UnreadCounter tracks the notification badge for one admin session.
//
// The server-returned count is the truth: any response carrying a count
// (the snapshot fetch, the mark-read call) resets the counter outright
// instead of the session decrementing locally. A read may have originated
// in another session of the same operator, so the counter must be treated
// as re-fetchable state, never as an accumulator.
//
// Between syncs, distinct creation events increment the badge; the seen
// set keeps duplicate delivery from double-counting.
type UnreadCounter struct {
	base int
	seen map[string]struct{}
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{seen: make(map[string]struct{})}
}

// Sync adopts an authoritative count from the server.
func (c *UnreadCounter) Sync(count int) {
	c.base = count
	clear(c.seen)
}

// OnCreated registers a notification_create event. Idempotent per id.
func (c *UnreadCounter) OnCreated(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
}

func (c *UnreadCounter) Count() int { return c.base + len(c.seen) }
