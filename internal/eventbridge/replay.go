package eventbridge

import "sync"

// replayCache remembers the response for the most recent event IDs so a
// redelivered event is answered without running it through the engine again.
type replayCache struct {
	mu     sync.Mutex
	window int
	seen   map[string]eventResponse
	order  []string
}

func newReplayCache(window int) *replayCache {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &replayCache{
		window: window,
		seen:   map[string]eventResponse{},
		order:  make([]string, 0, window),
	}
}

func (c *replayCache) lookup(eventID string) (eventResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.seen[eventID]
	return resp, ok
}

func (c *replayCache) remember(eventID string, resp eventResponse) {
	if eventID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[eventID]; ok {
		return
	}
	c.seen[eventID] = resp
	c.order = append(c.order, eventID)
	if len(c.order) > c.window {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
}
