package failover

import (
	"time"

	"github.com/fwportal/settingdb/logger"
	"github.com/fwportal/settingdb/pkg/metrics"
)

// RestartEvent tells subscribers that components holding references outside
// the registry must refresh them.
type RestartEvent struct {
	Generation  uint64
	Reason      string
	RequestedAt time.Time
}

// RequestRestart bumps the restart generation and notifies every subscriber.
// Subscribers that have not consumed the previous event only see the newest.
func (c *Controller) RequestRestart(reason string) uint64 {
	st := c.transition("restart requested", func(s *State) {
		s.RestartGeneration++
	})
	ev := RestartEvent{Generation: st.RestartGeneration, Reason: reason, RequestedAt: c.now()}

	metrics.RestartRequestsTotal.Inc()
	logger.Info("Restart requested", "component", "FAILOVER", "generation", ev.Generation, "reason", reason)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			// Replace the unread event with the newer one.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	return ev.Generation
}

// Subscribe returns a channel receiving restart events and a function that
// unsubscribes and closes it.
func (c *Controller) Subscribe() (<-chan RestartEvent, func()) {
	ch := make(chan RestartEvent, 1)

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once bool
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if once {
			return
		}
		once = true
		delete(c.subs, id)
		close(ch)
	}
}
