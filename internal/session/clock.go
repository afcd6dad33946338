package session

import "time"

// playClock accumulates a participant's active play time. It stops for good
// at a terminal state so nothing can keep growing play_time afterwards.
type playClock struct {
	startedAt time.Time
	accumMs   int64
	running   bool
}

func (c *playClock) start(now time.Time) {
	if c.running {
		return
	}
	c.startedAt = now
	c.running = true
}

func (c *playClock) stop(now time.Time) {
	if !c.running {
		return
	}
	c.accumMs += now.Sub(c.startedAt).Milliseconds()
	c.running = false
}

func (c *playClock) elapsedMs(now time.Time) int64 {
	if !c.running {
		return c.accumMs
	}
	return c.accumMs + now.Sub(c.startedAt).Milliseconds()
}
