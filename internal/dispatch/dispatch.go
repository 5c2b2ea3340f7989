// Package dispatch implements the single-threaded cooperative event
// loop that the link package treats as an external collaborator: one
// callback runs to completion before the next is invoked, callbacks run
// without the dispatcher's mutex held (it guards only the registration
// tables), and nothing a callback does may re-enter the dispatcher
// recursively.
//
// Readers are serviced by dedicated goroutines
// which do nothing but block in Read and forward what they got onto a
// single fan-in channel, and one loop goroutine drains that channel and
// invokes the registered handler.
package dispatch

import (
	"io"
	"sync"
	"time"
)

// ReadHandler is invoked by the dispatcher loop with the bytes read (and
// any read error) every time a registered reader produces data. It must
// not block or call back into the Dispatcher.
type ReadHandler func(data []byte, err error)

// SourceHandler is invoked by the dispatcher loop with whatever a
// registered source's blocking fetch produced. It must not block or
// call back into the Dispatcher.
type SourceHandler func(result interface{}, err error)

// TimerHandler is invoked by the dispatcher loop when a registered
// timer fires.
type TimerHandler func()

// SourceKind distinguishes the two kinds of event a Handle can track;
// Cancel uses it to decide whether to stop a reader or a timer.
type SourceKind int

const (
	KindReadable SourceKind = iota
	KindTimer
)

// Handle identifies a registration so it can later be canceled.
type Handle struct {
	id   uint64
	kind SourceKind
}

type readEvent struct {
	id     uint64
	data   []byte
	result interface{}
	err    error
}

type timerEvent struct {
	id uint64
}

// Dispatcher runs registered readers and timers on one goroutine.
// RegisterReadable spawns a goroutine per source whose only job is to
// block in Read and hand the result to the loop; Run is the loop
// itself, and is the only place a Handler is ever invoked.
type Dispatcher struct {
	mu           sync.Mutex
	nextID       uint64
	readers      map[uint64]*readerState
	timers       map[uint64]*time.Timer
	timerHandler map[uint64]TimerHandler

	readCh  chan readEvent
	timerCh chan timerEvent
	stop    chan struct{}
}

type readerState struct {
	deliver func(ev readEvent)
	cancel  chan struct{}
}

// New creates a Dispatcher. Call Run to start servicing registrations.
func New() *Dispatcher {
	return &Dispatcher{
		readers:      make(map[uint64]*readerState),
		timers:       make(map[uint64]*time.Timer),
		timerHandler: make(map[uint64]TimerHandler),
		readCh:       make(chan readEvent, 16),
		timerCh:      make(chan timerEvent, 16),
		stop:         make(chan struct{}),
	}
}

// RegisterReadable spawns a goroutine that reads repeatedly from r,
// bufSize bytes at a time, forwarding each read's result to handler on
// the dispatcher's own goroutine. A read that returns a non-nil error is
// forwarded to handler like any other, and registration then ends
// without further calls to handler.
func (d *Dispatcher) RegisterReadable(r io.Reader, bufSize int, handler ReadHandler) Handle {
	return d.registerPump(func() (interface{}, []byte, error) {
		buf := make([]byte, bufSize)
		n, err := r.Read(buf)
		return nil, buf[:n], err
	}, func(ev readEvent) {
		if handler != nil {
			handler(ev.data, ev.err)
		}
	})
}

// RegisterSource spawns a goroutine that repeatedly calls fetch,
// forwarding each call's result to handler on the dispatcher's own
// goroutine. It is the generalisation of RegisterReadable for sources
// whose blocking fetch already decodes a whole unit of work (as
// ngctl.Conn's RecvMessage/RecvData do) rather than producing a byte
// stream. A fetch that returns a non-nil error is forwarded to handler
// like any other, and registration then ends without further calls to
// handler.
func (d *Dispatcher) RegisterSource(fetch func() (interface{}, error), handler SourceHandler) Handle {
	return d.registerPump(func() (interface{}, []byte, error) {
		result, err := fetch()
		return result, nil, err
	}, func(ev readEvent) {
		if handler != nil {
			handler(ev.result, ev.err)
		}
	})
}

func (d *Dispatcher) registerPump(fetch func() (interface{}, []byte, error), deliver func(readEvent)) Handle {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	st := &readerState{deliver: deliver, cancel: make(chan struct{})}
	d.readers[id] = st
	d.mu.Unlock()

	go d.pump(id, fetch, st.cancel)

	return Handle{id: id, kind: KindReadable}
}

func (d *Dispatcher) pump(id uint64, fetch func() (interface{}, []byte, error), cancel chan struct{}) {
	for {
		result, data, err := fetch()

		select {
		case d.readCh <- readEvent{id: id, data: data, result: result, err: err}:
		case <-cancel:
			return
		}
		if err != nil {
			return
		}
	}
}

// RegisterTimer arranges for handler to be invoked once, after dur
// elapses. Callers that need a repeating timer (the link connect
// timeout is one-shot, so the core never does) re-register from within
// the handler.
func (d *Dispatcher) RegisterTimer(dur time.Duration, handler TimerHandler) Handle {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	t := time.AfterFunc(dur, func() {
		select {
		case d.timerCh <- timerEvent{id: id}:
		case <-d.stop:
		}
	})
	d.timers[id] = t
	d.timerHandler[id] = handler
	d.mu.Unlock()

	return Handle{id: id, kind: KindTimer}
}

// Cancel cancels a registration. Canceling a reader stops delivery of
// its results at once; its pump goroutine is not interrupted, sees the
// cancellation only after a pending Read returns, and may read again
// before it exits. Cancel does not Close the underlying reader -- that
// remains the owner's responsibility. Canceling an already-fired or
// already-canceled handle is not an error.
func (d *Dispatcher) Cancel(h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch h.kind {
	case KindReadable:
		st, ok := d.readers[h.id]
		if !ok {
			return nil
		}
		close(st.cancel)
		delete(d.readers, h.id)
	case KindTimer:
		t, ok := d.timers[h.id]
		if !ok {
			return nil
		}
		t.Stop()
		delete(d.timers, h.id)
		delete(d.timerHandler, h.id)
	}
	return nil
}

// Run drains registered events, invoking each handler to completion
// before the next event is serviced, until Stop is called.
func (d *Dispatcher) Run() {
	for {
		select {
		case ev := <-d.readCh:
			d.mu.Lock()
			st, ok := d.readers[ev.id]
			d.mu.Unlock()
			if ok && st.deliver != nil {
				st.deliver(ev)
			}
		case ev := <-d.timerCh:
			d.mu.Lock()
			handler, ok := d.timerHandler[ev.id]
			if ok {
				delete(d.timers, ev.id)
				delete(d.timerHandler, ev.id)
			}
			d.mu.Unlock()
			if ok && handler != nil {
				handler()
			}
		case <-d.stop:
			return
		}
	}
}

// Stop ends a running Run loop.
func (d *Dispatcher) Stop() {
	close(d.stop)
}
