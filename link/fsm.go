package link

import "fmt"

// fsmCallback runs as a transition's side effect, receiving whatever
// arguments handleEvent was called with.
type fsmCallback func(args []interface{})

// eventDesc describes one row of a state table: in state from,
// receiving any of events drives the state to to and, if non-nil, runs
// cb with the event's arguments.
type eventDesc struct {
	from, to string
	events   []string
	cb       fsmCallback
}

// fsm is a minimal table-driven state machine. It holds no transition
// history and performs no validation beyond "this event is not
// expected in this state", which handleEvent reports as an error the
// caller can choose to log and ignore.
type fsm struct {
	current string
	table   []eventDesc
}

func (f *fsm) handleEvent(e string, args ...interface{}) error {
	for _, t := range f.table {
		if f.current == t.from {
			for _, event := range t.events {
				if e == event {
					f.current = t.to
					if t.cb != nil {
						t.cb(args)
					}
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no transition defined for event %v in state %v", e, f.current)
}
