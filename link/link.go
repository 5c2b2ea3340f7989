package link

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/katalix/go-pppoe-link/internal/dispatch"
	"github.com/katalix/go-pppoe-link/ngctl"
)

// UpperLayer is the phys-layer contract's upward-facing collaborator:
// the multilink PPP bundle/negotiation layer that owns each link's
// identity and upper-pipeline hook, and that the core notifies of state
// changes. It is out of scope here (spec.md §1) and consumed only
// through this interface.
type UpperLayer interface {
	// RequestUpperHook resolves the graph path and hook name the
	// link's per-session hook should be connected to.
	RequestUpperHook(l *Link) (path, hook string, err error)
	// Instantiate clones a template link into a new, non-template
	// instance ready to answer one incoming connection.
	Instantiate(template *Link) (*Link, error)
	NotifyUp(l *Link)
	NotifyDown(l *Link, cause string)
	NotifyIncoming(l *Link)
}

// Link is a per-session PPPoE phys-layer instance, spec.md §3.
type Link struct {
	ID   int
	Name string

	cfg  *Config
	path string

	fsm fsm

	incoming bool
	opened   bool
	template bool
	busy     bool

	peerMAC         [6]byte
	realSession     string
	agentCircuitID  string
	agentRemoteID   string
	maxPayloadReply bool

	connectTimer dispatch.Handle
	timerArmed   bool
	sessionHook  string

	parent      *parentInterface
	listenEntry *listenEntry

	router *Router
	disp   *dispatch.Dispatcher
	upper  UpperLayer
	logger log.Logger
}

// newLink constructs a Link in its initial DOWN state, not yet bound to
// any parent interface. Links are always created through a Router (see
// router.go's NewLink) so that the link table, the session-hook
// namespace, and the event dispatcher stay consistent.
func newLink(id int, name string, router *Router, disp *dispatch.Dispatcher, upper UpperLayer, logger log.Logger) *Link {
	l := &Link{
		ID:     id,
		Name:   name,
		cfg:    NewConfig(),
		router: router,
		disp:   disp,
		upper:  upper,
		logger: log.With(logger, "link", name),
	}
	l.sessionHook = fmt.Sprintf("mpd%d-%d", os.Getpid(), id)
	l.fsm = fsm{current: stateDown, table: l.fsmTable()}
	return l
}

// State returns the link's current phys-layer state, one of
// DOWN/CONNECTING/READY/UP.
func (l *Link) State() string { return l.fsm.current }

func (l *Link) fsmTable() []eventDesc {
	return []eventDesc{
		{from: stateDown, to: stateConnecting, events: []string{evOpen}, cb: l.fsmActOpenOutgoing},
		{from: stateDown, to: stateConnecting, events: []string{evIncomingMatch}, cb: l.fsmActIncomingMatch},
		{from: stateConnecting, to: stateUp, events: []string{evSuccess}, cb: l.fsmActSuccess},
		{from: stateReady, to: stateUp, events: []string{evOpen}, cb: l.fsmActOpenReady},
		{from: stateConnecting, to: stateDown, events: []string{evFail}, cb: l.fsmActTeardownFail},
		{from: stateReady, to: stateDown, events: []string{evFail}, cb: l.fsmActTeardownFail},
		{from: stateUp, to: stateDown, events: []string{evFail}, cb: l.fsmActTeardownFail},
		{from: stateConnecting, to: stateDown, events: []string{evClose}, cb: l.fsmActTeardownClose},
		{from: stateReady, to: stateDown, events: []string{evClose}, cb: l.fsmActTeardownClose},
		{from: stateUp, to: stateDown, events: []string{evClose}, cb: l.fsmActTeardownClose},
		{from: stateConnecting, to: stateDown, events: []string{evTimeout}, cb: l.fsmActTeardownTimeout},
		{from: stateDown, to: stateDown, events: []string{evClose}, cb: nil},
	}
}

// fsmActOpenOutgoing implements spec.md §4.5's "Open (outgoing)".
func (l *Link) fsmActOpenOutgoing(args []interface{}) {
	if err := l.plumbOutgoing(); err != nil {
		level.Error(l.logger).Log("message", "failed to open outgoing link", "error", err)
		l.fsm.current = stateDown
		l.upper.NotifyDown(l, "open failed")
		return
	}
	l.armConnectTimer()
}

func (l *Link) plumbOutgoing() error {
	if err := l.acquireParent(); err != nil {
		return err
	}
	parent := l.parent

	upperPath, upperHook, err := l.upper.RequestUpperHook(l)
	if err != nil {
		l.router.releaseParent(l.parent)
		l.parent = nil
		return fmt.Errorf("resolve upper hook: %w", err)
	}

	if err := parent.conn.ConnectHooks(parent.path, l.sessionHook, upperPath, upperHook); err != nil {
		_ = parent.conn.DisconnectHook(parent.path, l.sessionHook)
		l.router.releaseParent(l.parent)
		l.parent = nil
		return &KernelPlumbingError{Op: "connect-hooks", Err: err}
	}

	if l.cfg.MaxPayload != 0 {
		body := make([]byte, 2)
		binary.BigEndian.PutUint16(body, l.cfg.MaxPayload)
		if err := parent.conn.SendMessage(parent.path, ngctl.CookiePPPoE, pppoeCmdSetMaxPayload, body); err != nil {
			level.Error(l.logger).Log("message", "SETMAXP failed", "error", err)
		}
	}

	if err := parent.conn.SendMessage(parent.path, ngctl.CookiePPPoE, pppoeCmdConnect, []byte(l.cfg.Service)); err != nil {
		_ = parent.conn.DisconnectHook(parent.path, l.sessionHook)
		l.router.releaseParent(l.parent)
		l.parent = nil
		return &KernelPlumbingError{Op: "pppoe-connect", Err: err}
	}

	return nil
}

// fsmActIncomingMatch is invoked once the Discovery Event Router has
// already plumbed the server side; see router.go's plumbIncoming.
func (l *Link) fsmActIncomingMatch(args []interface{}) {
	l.incoming = true
	l.armConnectTimer()
	l.upper.NotifyIncoming(l)
}

// fsmActSuccess handles PPPOE_SUCCESS while CONNECTING. The table row
// driving this callback always transitions to UP; if the link has not
// yet been opened by the upper layer it is walked back to READY here
// instead, since fsm's table has no guard-condition mechanism for
// picking between two destination states on the same event.
func (l *Link) fsmActSuccess(args []interface{}) {
	if !l.opened {
		l.disarmConnectTimer()
		l.fsm.current = stateReady
		return
	}
	l.disarmConnectTimer()
	l.upper.NotifyUp(l)
}

// fsmActOpenReady implements the READY --open--> UP transition: plumb
// the tee passthrough (incoming sessions only reach READY via a tee,
// per spec.md §4.6) and notify up.
func (l *Link) fsmActOpenReady(args []interface{}) {
	if l.incoming {
		if err := l.completeIncomingOpen(); err != nil {
			level.Error(l.logger).Log("message", "failed to complete incoming open", "error", err)
		}
	}
	l.disarmConnectTimer()
	l.upper.NotifyUp(l)
}

func (l *Link) completeIncomingOpen() error {
	upperPath, upperHook, err := l.upper.RequestUpperHook(l)
	if err != nil {
		return fmt.Errorf("resolve upper hook: %w", err)
	}
	teeNodePath := l.parent.path + l.sessionHook + ":"
	if err := l.parent.conn.ConnectHooks(teeNodePath, "right", upperPath, upperHook); err != nil {
		return &KernelPlumbingError{Op: "connect-hooks", Err: err}
	}
	return l.parent.conn.ShutdownNode(teeNodePath)
}

func (l *Link) fsmActTeardownFail(args []interface{}) {
	l.teardown()
	l.upper.NotifyDown(l, "connection failed")
}

func (l *Link) fsmActTeardownClose(args []interface{}) {
	l.teardown()
	l.upper.NotifyDown(l, "closed")
}

func (l *Link) fsmActTeardownTimeout(args []interface{}) {
	l.teardown()
	l.upper.NotifyDown(l, "connection timeout")
}

// teardown implements the common portion of spec.md §4.5's Close:
// disconnect the per-session hook, stop the timer, reset runtime state.
func (l *Link) teardown() {
	l.disarmConnectTimer()
	if l.parent != nil {
		if err := l.parent.conn.DisconnectHook(l.parent.path, l.sessionHook); err != nil {
			level.Error(l.logger).Log("message", "failed to disconnect session hook", "error", err)
		}
		l.router.releaseParent(l.parent)
		l.parent = nil
	}
	l.peerMAC = [6]byte{}
	l.realSession = ""
	l.agentCircuitID = ""
	l.agentRemoteID = ""
	l.maxPayloadReply = false
	l.incoming = false
	l.opened = false
	l.busy = false
}

func (l *Link) armConnectTimer() {
	l.disarmConnectTimer()
	l.connectTimer = l.disp.RegisterTimer(connectTimeout, func() {
		l.timerArmed = false
		if err := l.fsm.handleEvent(evTimeout); err != nil {
			level.Error(l.logger).Log("message", "timeout event rejected", "error", err)
		}
	})
	l.timerArmed = true
}

func (l *Link) disarmConnectTimer() {
	if l.timerArmed {
		l.disp.Cancel(l.connectTimer)
		l.timerArmed = false
	}
}

// TimerArmed reports whether the connect timer is currently running,
// for tests verifying spec.md §8 invariant 1.
func (l *Link) TimerArmed() bool { return l.timerArmed }

// Open implements spec.md §4.5's open(): from DOWN it starts an outgoing
// connection, from READY it completes an incoming handshake. In any other
// state it only records that the link has been opened and returns the
// state machine's error for an event with no transition.
func (l *Link) Open() error {
	l.opened = true
	return l.fsm.handleEvent(evOpen)
}

// Close implements spec.md §4.5's close(): a no-op if already DOWN.
func (l *Link) Close() error {
	if l.fsm.current == stateDown {
		return nil
	}
	return l.fsm.handleEvent(evClose)
}

// Shutdown destroys the link outright, skipping notification -- used on
// daemon shutdown and when an incoming, non-template instance fails to
// plumb (spec.md §3's "destroyed on daemon shutdown or, for non-static
// instances, when an incoming attempt fails").
func (l *Link) Shutdown() {
	level.Debug(l.logger).Log("message", "link shutdown", "event", evShutdown, "state", l.fsm.current)
	if l.fsm.current != stateDown {
		l.teardown()
	}
	if l.listenEntry != nil {
		l.unlisten()
	}
}

// deliverSuccess/deliverFail/deliverClose are invoked by the Discovery
// Event Router once it has validated an inbound control message
// belongs to this link.
func (l *Link) deliverSuccess() error { return l.fsm.handleEvent(evSuccess) }
func (l *Link) deliverFail() error    { return l.fsm.handleEvent(evFail) }
func (l *Link) deliverClose() error   { return l.fsm.handleEvent(evClose) }

// deliverSetMaxPayloadReply implements spec.md §4.6's SETMAXP reply
// handling.
func (l *Link) deliverSetMaxPayloadReply(value uint16) {
	if l.cfg.MaxPayload == 0 {
		level.Info(l.logger).Log("message", "unsolicited SETMAXP reply", "value", value)
		return
	}
	if l.cfg.MaxPayload == value {
		l.maxPayloadReply = true
		return
	}
	level.Info(l.logger).Log("message", "SETMAXP reply mismatch", "configured", l.cfg.MaxPayload, "replied", value)
}

// listen/unlisten/acquireParent/releaseParent are used by config.go when
// iface/service are changed while the link is listening.
func (l *Link) listen() error {
	e, err := listenOn(l.parent, l.cfg.Service)
	if err != nil {
		return err
	}
	l.listenEntry = e
	return nil
}

func (l *Link) unlisten() {
	if l.listenEntry == nil {
		return
	}
	if err := unlistenFrom(l.listenEntry); err != nil {
		level.Error(l.logger).Log("message", "failed to unlisten", "error", err)
	}
	l.listenEntry = nil
}

func (l *Link) acquireParent() error {
	p, err := l.router.acquireParent(l)
	if err != nil {
		return err
	}
	l.parent = p
	return nil
}

func (l *Link) releaseParent() {
	if l.parent != nil {
		l.router.releaseParent(l.parent)
		l.parent = nil
	}
}

// SetIncoming implements spec.md §3 supplement "PppoeNodeUpdate
// behavior": enabling incoming acquires a parent and starts listening;
// disabling it unlistens and releases.
func (l *Link) SetIncoming(enabled bool) error {
	if enabled == (l.listenEntry != nil) {
		return nil
	}
	if enabled {
		if l.parent == nil {
			if err := l.acquireParent(); err != nil {
				return err
			}
		}
		return l.listen()
	}
	l.unlisten()
	l.releaseParent()
	return nil
}

// --- Upstream phys-layer contract, spec.md §6 ---

// PeerMacAddr returns the peer's Ethernet address.
func (l *Link) PeerMacAddr() [6]byte { return l.peerMAC }

// PeerIface returns the parent Ethernet interface name.
func (l *Link) PeerIface() string { return l.cfg.Iface }

// CallingNum renders the peer MAC per the configured MAC format, used
// as the calling-number for an incoming session.
func (l *Link) CallingNum() string { return formatMAC(l.peerMAC, l.cfg.MACFormat) }

// CalledNum renders the peer MAC per the configured MAC format, used as
// the called-number for an outgoing session.
func (l *Link) CalledNum() string { return formatMAC(l.peerMAC, l.cfg.MACFormat) }

// SelfName and PeerName return the DSL access loop identifiers carried
// by the DSL-Forum vendor tag, following original_source/pppoe.c's
// PppoeSelfName/PppoePeerName rather than returning the peer MAC
// (spec.md §4.3 supplement).
func (l *Link) SelfName() string { return l.agentCircuitID }
func (l *Link) PeerName() string { return l.agentRemoteID }

// GetMTU and GetMRU implement spec.md §4.5's MTU/MRU reporting: the
// negotiated max-payload if one was configured and acknowledged,
// otherwise the phys default or the configured value depending on
// effective.
func (l *Link) GetMTU(effective bool) int {
	if l.cfg.MaxPayload != 0 && l.maxPayloadReply {
		return int(l.cfg.MaxPayload)
	}
	if effective {
		return defaultMTU
	}
	return int(l.cfg.MaxPayload)
}

func (l *Link) GetMRU(effective bool) int { return l.GetMTU(effective) }

// Originated reports whether this link originated locally ("local") or
// was answered on behalf of a peer ("remote").
func (l *Link) Originated() string {
	if l.incoming {
		return "remote"
	}
	return "local"
}

// IsSync is always true for PPPoE: there is no asynchronous-framing
// mode over Ethernet.
func (l *Link) IsSync() bool { return true }

// Stat renders the diagnostic dump spec.md §6 names as stat(ctx),
// following original_source/pppoe.c's PppoeStat.
func (l *Link) Stat() {
	level.Info(l.logger).Log(
		"message", "link status",
		"iface", l.cfg.Iface,
		"path", l.path,
		"hook", l.sessionHook,
		"state", l.fsm.current,
		"max_payload", l.cfg.MaxPayload,
		"mac_format", l.cfg.MACFormat)
	if l.fsm.current != stateDown {
		level.Info(l.logger).Log(
			"message", "link session",
			"opened", l.opened,
			"incoming", l.incoming,
			"peer_mac", formatMAC(l.peerMAC, MACFormatUnixLike),
			"real_session", l.realSession,
			"max_payload_acked", l.maxPayloadReply,
			"agent_circuit_id", l.agentCircuitID,
			"agent_remote_id", l.agentRemoteID)
	}
}
