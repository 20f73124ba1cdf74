package hub

import "sync"

// Published is an event captured by Capture together with its audience.
// UserID is empty for BroadcastAll.
type Published struct {
	UserID string
	Event  Event
}

// Capture is a Publisher that records events instead of sending them. It is
// used where no real-time clients exist, such as CLI commands and tests.
type Capture struct {
	mu     sync.Mutex
	events []Published
}

func (c *Capture) BroadcastToUser(userID string, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Published{UserID: userID, Event: evt})
}

func (c *Capture) BroadcastAll(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Published{Event: evt})
}

// Events returns a copy of everything published so far.
func (c *Capture) Events() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.events...)
}

// OfType returns the captured events with the given type.
func (c *Capture) OfType(evtType string) []Published {
	var res []Published
	for _, p := range c.Events() {
		if p.Event.Type == evtType {
			res = append(res, p)
		}
	}
	return res
}

func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}
