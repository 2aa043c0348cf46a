package respire

import (
	"slices"

	"respire/pkg/logx"
)

// Loop runs one tick: it credits the time elapsed since the previous tick
// to every waiting window, fires due modes, re-enters idle fallbacks and
// recomputes active flags bottom-up. Dispatches happen afterwards in fire
// order, followed by at most one change notification.
func (c *Context[S]) Loop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		if !c.initialized {
			return ErrNotInitialized
		}
		return ErrNotStarted
	}

	prev := c.state.Clone()
	now := c.clock.Millis()
	delta := now - c.lastMillis
	c.lastMillis = now

	c.pending = c.pending[:0]
	if !c.entered {
		c.entered = true
		if !c.tree.root.periodic {
			c.enter(c.tree.root)
		}
	}
	c.evaluate(c.tree.root, delta)

	changed := !prev.Modes().Equal(c.state.Modes())
	fired := slices.Clone(c.pending)
	var next S
	if changed || len(fired) > 0 {
		next = c.state.Clone()
	}
	exec := c.exec
	c.mu.Unlock()

	for _, m := range fired {
		c.log.Debug("dispatch", logx.String("mode", m.Path()), logx.String("action", string(m.action)))
		if exec != nil {
			exec.Exec(m.action, next, prev, m)
		}
	}
	if changed {
		next.OnChange(prev, exec)
	}
	return nil
}

// evaluate visits m's subtree in post-order. Callers hold c.mu.
func (c *Context[S]) evaluate(m *Mode, delta uint32) {
	if c.exhausted(m) {
		c.settle(m)
		return
	}
	for _, ch := range m.children {
		c.evaluate(ch, delta)
	}

	if c.timed(m) {
		// A mode whose own action is outstanding is not waiting; its next
		// window opens on Complete.
		if m.action == "" || !c.books[m.id].dispatched {
			c.advance(m, delta)
		}
		if c.due(m) {
			c.fire(m)
		}
	}
	if m.idle != nil && !c.books[m.id].dispatched && !c.anyChildActive(m) {
		c.enter(m.idle)
	}
	c.settle(m)
}

// timed reports whether m runs its own window. An idle child fires when
// selected, so its periodic setting is ignored.
func (c *Context[S]) timed(m *Mode) bool {
	return m.periodic && (m.parent == nil || m.parent.idle != m)
}

func (c *Context[S]) advance(m *Mode, delta uint32) {
	rt := c.state.Modes().Get(m)
	b := &c.books[m.id]

	total := uint64(b.ms) + uint64(delta)
	b.ms = uint32(total % 1000)
	cw := uint64(rt.CumulativeWait) + total/1000
	if cw > uint64(b.target) {
		cw = uint64(b.target)
	}
	rt.CumulativeWait = uint32(cw)
}

func (c *Context[S]) due(m *Mode) bool {
	b := &c.books[m.id]
	if m.action != "" && b.dispatched {
		return false
	}
	return b.startup || c.state.Modes().At(m).CumulativeWait >= b.target
}

// fire records the trigger, opens the next window and enters m. The startup
// run leaves the window opened by Begin in place.
func (c *Context[S]) fire(m *Mode) {
	rt := c.state.Modes().Get(m)
	b := &c.books[m.id]

	rt.LastTrigger = c.clock.Epoch()
	if b.startup {
		b.startup = false
	} else {
		rt.CumulativeWait = 0
		b.ms = 0
		b.target = c.nextTarget(m)
	}
	c.log.Debug("mode fired",
		logx.String("mode", m.Path()),
		logx.Uint32("lt", rt.LastTrigger),
		logx.Uint32("next_target", b.target),
	)
	c.enter(m)
}

func (c *Context[S]) nextTarget(m *Mode) uint32 {
	interval := m.IntervalSeconds()
	if c.policy == JitterEveryWindow {
		return scaled(interval, c.jitter.Fraction())
	}
	return interval
}

// enter starts m: its own action, then every child without its own timer
// that is not already running, then the idle child if nothing else runs.
func (c *Context[S]) enter(m *Mode) {
	if c.exhausted(m) {
		return
	}
	b := &c.books[m.id]
	if m.action != "" && !b.dispatched {
		b.dispatched = true
		c.pending = append(c.pending, m)
	}
	ms := c.state.Modes()
	for _, ch := range m.children {
		if ch == m.idle || ch.periodic || ms.At(ch).Active {
			continue
		}
		c.enter(ch)
	}
	if m.idle != nil && !b.dispatched && !c.anyChildActive(m) {
		c.enter(m.idle)
	}
	c.settle(m)
}

// settle recomputes m's active flag. A container counts a repeat each time
// it goes inactive.
func (c *Context[S]) settle(m *Mode) {
	rt := c.state.Modes().Get(m)
	active := c.books[m.id].dispatched || c.anyChildActive(m)
	if rt.Active && !active && m.action == "" {
		rt.RepeatCount++
	}
	rt.Active = active
}

func (c *Context[S]) anyChildActive(m *Mode) bool {
	ms := c.state.Modes()
	for _, ch := range m.children {
		if ms.At(ch).Active {
			return true
		}
	}
	return false
}

func (c *Context[S]) exhausted(m *Mode) bool {
	return m.limited && c.state.Modes().At(m).RepeatCount >= m.limit
}
