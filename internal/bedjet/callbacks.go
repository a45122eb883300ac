package bedjet

import "log/slog"

// OnStateChange registers a callback invoked synchronously after each
// state mutation. The returned cancel function removes it. A panicking
// subscriber is logged and never blocks delivery to the others.
func (d *Device) OnStateChange(fn func(Snapshot)) (cancel func()) {
	d.subMu.Lock()
	d.nextSubID++
	id := d.nextSubID
	d.stateSubs = append(d.stateSubs, stateSub{id: id, fn: fn})
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.stateSubs {
			if s.id == id {
				d.stateSubs = append(d.stateSubs[:i], d.stateSubs[i+1:]...)
				return
			}
		}
	}
}

// OnConnectionChange registers a callback invoked with true on connect
// and false on disconnect. The returned cancel function removes it.
func (d *Device) OnConnectionChange(fn func(bool)) (cancel func()) {
	d.subMu.Lock()
	d.nextSubID++
	id := d.nextSubID
	d.connSubs = append(d.connSubs, connSub{id: id, fn: fn})
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		for i, s := range d.connSubs {
			if s.id == id {
				d.connSubs = append(d.connSubs[:i], d.connSubs[i+1:]...)
				return
			}
		}
	}
}

func (d *Device) notifyState() {
	snap := d.State()
	d.subMu.Lock()
	subs := make([]func(Snapshot), 0, len(d.stateSubs))
	for _, s := range d.stateSubs {
		subs = append(subs, s.fn)
	}
	d.subMu.Unlock()

	for _, fn := range subs {
		invoke(func() { fn(snap) })
	}
}

func (d *Device) notifyConnection(connected bool) {
	d.subMu.Lock()
	subs := make([]func(bool), 0, len(d.connSubs))
	for _, s := range d.connSubs {
		subs = append(subs, s.fn)
	}
	d.subMu.Unlock()

	for _, fn := range subs {
		invoke(func() { fn(connected) })
	}
}

// invoke runs one subscriber, containing any panic.
func invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BedJet] subscriber callback panicked", "panic", r)
		}
	}()
	fn()
}
