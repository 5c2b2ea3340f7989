package link

import (
	"fmt"

	"github.com/katalix/go-pppoe-link/ngctl"
)

// listenEntry is one (parent, service-name) registration, mirroring the
// kernel PPPoE node's "listen-<service>" hook. Per spec.md §4.4, listen
// and unlisten are idempotent per-link: each Link owns at most one
// listen reference at a time, tracked by Link.listenEntry.
type listenEntry struct {
	parent  *parentInterface
	service string
	refs    int
}

func listenHookName(service string) string {
	return "listen-" + service
}

// listenOn implements spec.md §4.4's listen(parent, service): look up
// an existing entry by exact service-name match and bump its refcount,
// or create one and plumb the kernel hook.
func listenOn(parent *parentInterface, service string) (*listenEntry, error) {
	if e, ok := parent.listens[service]; ok {
		e.refs++
		return e, nil
	}

	hook := listenHookName(service)
	if err := parent.conn.ConnectHooks(".", hook, parent.path, hook); err != nil {
		return nil, &KernelPlumbingError{Op: "connect-hooks", Err: err}
	}
	if err := parent.conn.SendMessage(parent.path, ngctl.CookiePPPoE, pppoeCmdListen, []byte(service)); err != nil {
		_ = parent.conn.DisconnectHook(parent.path, hook)
		return nil, &KernelPlumbingError{Op: "pppoe-listen", Err: err}
	}

	e := &listenEntry{parent: parent, service: service, refs: 1}
	parent.listens[service] = e
	return e, nil
}

// unlistenFrom implements spec.md §4.4's unlisten(entry): decrement the
// refcount, and on zero, disconnect the kernel hook and remove the
// entry.
func unlistenFrom(e *listenEntry) error {
	e.refs--
	if e.refs > 0 {
		return nil
	}

	hook := listenHookName(e.service)
	if err := e.parent.conn.DisconnectHook(e.parent.path, hook); err != nil {
		return &KernelPlumbingError{Op: "disconnect-hook", Err: err}
	}
	delete(e.parent.listens, e.service)
	return nil
}

// Refs returns the current refcount of a listen entry, for tests and
// diagnostics (spec.md §8 invariant 3).
func (e *listenEntry) Refs() int { return e.refs }

func (e *listenEntry) String() string {
	return fmt.Sprintf("listen-%s (refs=%d)", e.service, e.refs)
}
