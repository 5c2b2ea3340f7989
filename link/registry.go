package link

import (
	"fmt"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/katalix/go-pppoe-link/internal/dispatch"
	"github.com/katalix/go-pppoe-link/ngctl"
)

// parentInterface is one entry of the Parent-Interface Registry: the
// netgraph Ethernet node a set of links share, and the single
// control/data socket pair used to talk to it and to the PPPoE node
// hung off its orphan hook.
type parentInterface struct {
	path   string
	nodeID uint32
	conn   ngctl.Conn

	ctrlHandle dispatch.Handle
	dataHandle dispatch.Handle

	refs int

	listens map[string]*listenEntry
}

// Refs returns the current refcount of a parent entry, for tests and
// diagnostics (spec.md §8 invariant 2).
func (e *parentInterface) Refs() int { return e.refs }

// Registry is the fixed-capacity table of parentInterface entries keyed
// by graph path, per spec.md §4.3. Capacity defaults to 4096; small
// builds should construct it with NewRegistrySmall instead.
type Registry struct {
	mu       sync.Mutex
	capacity int
	entries  []*parentInterface
	logger   log.Logger
	disp     *dispatch.Dispatcher

	dial           func(ifname string) (ngctl.Conn, error)
	setInterfaceUp func(ifname string) error

	etherNodeTypeChecked bool
}

// NewRegistry constructs a Registry with the default (full) capacity.
func NewRegistry(logger log.Logger, disp *dispatch.Dispatcher) *Registry {
	return newRegistry(maxParentInterfaces, logger, disp)
}

// NewRegistrySmall constructs a Registry sized for resource-constrained
// builds.
func NewRegistrySmall(logger log.Logger, disp *dispatch.Dispatcher) *Registry {
	return newRegistry(maxParentInterfacesSmall, logger, disp)
}

func newRegistry(capacity int, logger log.Logger, disp *dispatch.Dispatcher) *Registry {
	return &Registry{
		capacity:       capacity,
		entries:        make([]*parentInterface, capacity),
		logger:         logger,
		disp:           disp,
		dial:           ngctl.Dial,
		setInterfaceUp: ngctl.SetInterfaceUp,
	}
}

// Acquire implements spec.md §4.3's acquire(path, iface, hook): find or
// create the parentInterface entry for path, incrementing its
// refcount. onCreate is invoked exactly once, the first time this path
// is acquired, with the freshly built entry -- giving the caller (the
// Router) a chance to register its control/data event handlers bound to
// that entry before it is published. It is not called on subsequent
// acquisitions of an already-live entry.
func (r *Registry) Acquire(path, iface, hook string, onCreate func(e *parentInterface)) (*parentInterface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e != nil && e.path == path {
			e.refs++
			return e, nil
		}
	}

	slot := -1
	for i, e := range r.entries {
		if e == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, &ErrParentTableFull{Capacity: r.capacity}
	}

	if err := r.setInterfaceUp(iface); err != nil {
		return nil, &KernelPlumbingError{Op: "set-interface-up", Err: err}
	}

	conn, err := r.dial(iface)
	if err != nil {
		return nil, &KernelPlumbingError{Op: "create-socket-pair", Err: err}
	}

	if err := r.ensureEtherNodeType(conn); err != nil {
		conn.Close()
		return nil, err
	}

	nodeID, err := r.adoptOrCreatePeer(conn, path, hook)
	if err != nil {
		conn.Close()
		return nil, err
	}

	e := &parentInterface{
		path:    path,
		nodeID:  nodeID,
		conn:    conn,
		refs:    1,
		listens: make(map[string]*listenEntry),
	}

	if onCreate != nil {
		onCreate(e)
	}

	r.entries[slot] = e

	level.Info(r.logger).Log("message", "acquired parent interface", "iface", iface, "path", path, "node_id", nodeID)
	return e, nil
}

// dataFrame is the result type RegisterSource hands to the Router's
// handleData: a raw
// discovery datagram together with the hook it arrived on.
type dataFrame struct {
	hook string
	data []byte
}

// ensureEtherNodeType lists the kernel's node types once per process
// lifetime and attempts to load the Ethernet node type's module if it
// is missing, asserting its presence afterward -- the one failure mode
// spec.md §7 treats as a process-level invariant violation.
func (r *Registry) ensureEtherNodeType(conn ngctl.Conn) error {
	if r.etherNodeTypeChecked {
		return nil
	}
	types, err := conn.ListNodeTypes()
	if err != nil {
		return &KernelPlumbingError{Op: "list-node-types", Err: err}
	}
	if !types["ether"] {
		if err := ngctl.LoadModule("ng_ether"); err != nil {
			return fmt.Errorf("ng_ether node type unavailable and could not be loaded: %w", err)
		}
		types, err = conn.ListNodeTypes()
		if err != nil {
			return &KernelPlumbingError{Op: "list-node-types", Err: err}
		}
		if !types["ether"] {
			return fmt.Errorf("ng_ether node type still unavailable after loading module")
		}
	}
	r.etherNodeTypeChecked = true
	return nil
}

// adoptOrCreatePeer inspects the hooks already present on the Ethernet
// node at path: if a peer is already attached on hook and it is a
// PPPoE node, its id is adopted; if attached but of a different type,
// that is a fatal-for-this-acquire diagnostic; otherwise a new PPPoE
// peer is created there.
func (r *Registry) adoptOrCreatePeer(conn ngctl.Conn, path, hook string) (uint32, error) {
	_, hooks, err := conn.ListHooks(path)
	if err != nil {
		return 0, &KernelPlumbingError{Op: "list-hooks", Err: err}
	}

	for _, h := range hooks {
		if h.Name != hook {
			continue
		}
		if h.PeerType != "" && h.PeerType != "pppoe" {
			return 0, fmt.Errorf("hook %s on %s is attached to a %s node, not pppoe", hook, path, h.PeerType)
		}
		id, err := conn.GetNodeID(h.PeerNode)
		if err != nil {
			return 0, &KernelPlumbingError{Op: "get-node-id", Err: err}
		}
		return id, nil
	}

	if err := conn.MakePeer(path, "pppoe", hook, "ethernet"); err != nil {
		return 0, &KernelPlumbingError{Op: "make-peer", Err: err}
	}
	_, hooks, err = conn.ListHooks(path)
	if err != nil {
		return 0, &KernelPlumbingError{Op: "list-hooks", Err: err}
	}
	for _, h := range hooks {
		if h.Name == hook {
			return conn.GetNodeID(h.PeerNode)
		}
	}
	return 0, fmt.Errorf("pppoe peer created on %s but hook %s not found afterward", path, hook)
}

// Release implements spec.md §4.3's release(handle): decrement the
// refcount, and on zero, cancel both event registrations, close both
// sockets, and clear the entry so its slot can be reused.
func (r *Registry) Release(e *parentInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs > 0 {
		return
	}

	r.disp.Cancel(e.ctrlHandle)
	r.disp.Cancel(e.dataHandle)

	if err := e.conn.Close(); err != nil {
		level.Error(r.logger).Log("message", "failed to close parent connection", "path", e.path, "error", err)
	}

	for i, entry := range r.entries {
		if entry == e {
			r.entries[i] = nil
			break
		}
	}
	level.Info(r.logger).Log("message", "released parent interface", "path", e.path)
}
