package link

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/katalix/go-pppoe-link/internal/dispatch"
	"github.com/katalix/go-pppoe-link/ngctl"
	"github.com/katalix/go-pppoe-link/pppoe"
)

// Router is the Discovery Event Router (spec.md §4.6): it owns the
// Parent-Interface Registry, the process-wide link table, and the
// dispatcher registrations that feed both control messages and raw
// discovery datagrams back into the right Link. It is the one place
// that binds ngctl.Conn reads to link/parent lookups, so Acquire's
// onCreate hook (registry.go) always closes over a Router method.
type Router struct {
	mu       sync.Mutex
	registry *Registry
	links    map[int]*Link
	nextID   int

	upper  UpperLayer
	disp   *dispatch.Dispatcher
	logger log.Logger
	pid    int

	shuttingDown bool
}

// NewRouter constructs a Router with a full-capacity Parent-Interface
// Registry. Use NewRouterSmall for resource-constrained builds.
func NewRouter(upper UpperLayer, disp *dispatch.Dispatcher, logger log.Logger) *Router {
	return newRouter(NewRegistry(logger, disp), upper, disp, logger)
}

// NewRouterSmall constructs a Router with the reduced-capacity registry.
func NewRouterSmall(upper UpperLayer, disp *dispatch.Dispatcher, logger log.Logger) *Router {
	return newRouter(NewRegistrySmall(logger, disp), upper, disp, logger)
}

func newRouter(registry *Registry, upper UpperLayer, disp *dispatch.Dispatcher, logger log.Logger) *Router {
	return &Router{
		registry: registry,
		links:    make(map[int]*Link),
		upper:    upper,
		disp:     disp,
		logger:   logger,
		pid:      os.Getpid(),
	}
}

// NewLink creates a new, non-template Link and registers it in the
// router's link table under a freshly allocated id.
func (rt *Router) NewLink(name string) *Link {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := rt.nextID
	rt.nextID++
	l := newLink(id, name, rt, rt.disp, rt.upper, rt.logger)
	rt.links[id] = l
	return l
}

// NewTemplateLink creates a template Link: never itself dialed for an
// incoming session, but cloned by the upper layer's Instantiate when a
// discovery packet matches its configuration (spec.md §9 "Template
// links → instances").
func (rt *Router) NewTemplateLink(name string) *Link {
	l := rt.NewLink(name)
	l.template = true
	return l
}

// RegisterInstance adopts a Link created by the upper layer's
// Instantiate (a clone of a template) into the router's link table, so
// the Discovery Event Router's control-message dispatch can find it by
// session hook.
func (rt *Router) RegisterInstance(l *Link) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	id := rt.nextID
	rt.nextID++
	l.ID = id
	l.sessionHook = fmt.Sprintf("mpd%d-%d", rt.pid, id)
	l.router = rt
	l.disp = rt.disp
	l.upper = rt.upper
	l.logger = log.With(rt.logger, "link", l.Name)
	rt.links[id] = l
}

// RemoveLink removes a link from the table once it has been shut down
// and is no longer reachable by id.
func (rt *Router) RemoveLink(l *Link) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.links, l.ID)
}

// SetShuttingDown marks the daemon as shutting down; the data handler
// drops newly arriving discovery requests once set, per spec.md §4.6.
func (rt *Router) SetShuttingDown(v bool) {
	rt.mu.Lock()
	rt.shuttingDown = v
	rt.mu.Unlock()
}

// acquireParent implements the registry bind for a link, wiring the
// per-parent control/data dispatcher registrations to this router's
// handleControl/handleData the first time a given path is acquired.
func (rt *Router) acquireParent(l *Link) (*parentInterface, error) {
	return rt.registry.Acquire(l.path, l.cfg.Iface, l.cfg.AttachHook, func(e *parentInterface) {
		e.ctrlHandle = rt.disp.RegisterSource(func() (interface{}, error) {
			return e.conn.RecvMessage()
		}, func(result interface{}, err error) {
			rt.handleControl(e, result, err)
		})
		e.dataHandle = rt.disp.RegisterSource(func() (interface{}, error) {
			hook, data, err := e.conn.RecvData()
			if err != nil {
				return nil, err
			}
			return dataFrame{hook: hook, data: data}, nil
		}, func(result interface{}, err error) {
			rt.handleData(e, result, err)
		})
	})
}

func (rt *Router) releaseParent(e *parentInterface) {
	rt.registry.Release(e)
}

// handleControl implements spec.md §4.6's control-message handler.
func (rt *Router) handleControl(parent *parentInterface, result interface{}, err error) {
	if err != nil {
		level.Error(rt.logger).Log("message", "control socket read failed", "path", parent.path, "error", err)
		return
	}
	msg := result.(*ngctl.Message)

	if msg.Header.Cookie != ngctl.CookiePPPoE {
		level.Debug(rt.logger).Log("message", "dropping control message with foreign cookie", "cookie", msg.Header.Cookie)
		return
	}

	switch msg.Header.Cmd {
	case pppoeCmdSuccess, pppoeCmdFail, pppoeCmdClose, pppoeCmdSetMaxPayload:
		l := rt.resolveHookLink(parent, msg.Path)
		if l == nil {
			return
		}
		rt.advance(l, msg)
	case pppoeCmdACName:
		level.Info(rt.logger).Log("message", "AC-Name", "path", parent.path, "value", string(msg.Body))
	case pppoeCmdHURL:
		level.Info(rt.logger).Log("message", "HURL", "path", parent.path, "value", string(msg.Body))
	case pppoeCmdMOTM:
		level.Info(rt.logger).Log("message", "MOTM", "path", parent.path, "value", string(msg.Body))
	case pppoeCmdSessionID:
		level.Debug(rt.logger).Log("message", "SESSIONID", "path", parent.path, "value", string(msg.Body))
	default:
		level.Debug(rt.logger).Log("message", "unhandled control command", "cmd", pppoeCmdString(msg.Header.Cmd))
	}
}

// resolveHookLink decodes the hook field of a control message into a
// link id and resolves it, applying every check spec.md §4.6 requires:
// ignore "listen-" hooks, require the "mpd<pid>-" prefix, the id must
// name a known link bound to this same parent.
func (rt *Router) resolveHookLink(parent *parentInterface, hook string) *Link {
	if strings.HasPrefix(hook, "listen-") {
		return nil
	}
	prefix := fmt.Sprintf("mpd%d-", rt.pid)
	if !strings.HasPrefix(hook, prefix) {
		level.Debug(rt.logger).Log("message", "control message for foreign hook", "hook", hook)
		return nil
	}
	id, err := strconv.Atoi(strings.TrimPrefix(hook, prefix))
	if err != nil {
		level.Debug(rt.logger).Log("message", "control message with malformed link id", "hook", hook)
		return nil
	}

	rt.mu.Lock()
	l, ok := rt.links[id]
	rt.mu.Unlock()
	if !ok {
		level.Debug(rt.logger).Log("message", "control message for unknown link", "id", id)
		return nil
	}
	if l.parent != parent {
		level.Debug(rt.logger).Log("message", "control message for link bound to a different parent", "id", id)
		return nil
	}
	return l
}

func (rt *Router) advance(l *Link, msg *ngctl.Message) {
	var err error
	switch msg.Header.Cmd {
	case pppoeCmdSuccess:
		err = l.deliverSuccess()
	case pppoeCmdFail:
		err = l.deliverFail()
	case pppoeCmdClose:
		err = l.deliverClose()
	case pppoeCmdSetMaxPayload:
		if len(msg.Body) == 2 {
			l.deliverSetMaxPayloadReply(binary.BigEndian.Uint16(msg.Body))
		}
		return
	}
	if err != nil {
		level.Debug(l.logger).Log("message", "late or unexpected control message discarded", "cmd", pppoeCmdString(msg.Header.Cmd), "state", l.fsm.current, "error", err)
	}
}

// handleData implements spec.md §4.6's data handler: a raw discovery
// datagram on a "listen-<service>" hook, matched against the Listen Set
// and an eligible Link, answered with a server plumb-in.
func (rt *Router) handleData(parent *parentInterface, result interface{}, err error) {
	if err != nil {
		level.Error(rt.logger).Log("message", "data socket read failed", "path", parent.path, "error", err)
		return
	}
	frame := result.(dataFrame)

	service := strings.TrimPrefix(frame.hook, "listen-")
	if service == frame.hook {
		level.Debug(rt.logger).Log("message", "dropping data frame on non-listen hook", "hook", frame.hook)
		return
	}

	rt.mu.Lock()
	shuttingDown := rt.shuttingDown
	rt.mu.Unlock()
	if shuttingDown {
		level.Info(rt.logger).Log("message", "dropping discovery request: shutting down", "service", service)
		return
	}

	packets, err := pppoe.ParsePacketBuffer(frame.data)
	if err != nil || len(packets) == 0 {
		level.Debug(rt.logger).Log("message", "dropping malformed discovery frame", "hook", frame.hook, "error", err)
		return
	}
	packet := packets[0]

	realSession, _ := packet.GetTag(pppoe.PPPoETagTypeServiceName)
	realSessionName := service
	if realSession != nil && len(realSession.Data) > 0 {
		realSessionName = string(realSession.Data)
	}
	circuitID, remoteID := packet.GetDSLForumTag()

	l := rt.selectLink(parent, service)
	if l == nil {
		level.Info(rt.logger).Log("message", "no eligible link for incoming discovery request", "service", service)
		return
	}

	if err := rt.plumbIncoming(parent, l, frame, packet, realSessionName, circuitID, remoteID); err != nil {
		level.Error(l.logger).Log("message", "failed to plumb incoming session", "error", err)
		if l.incoming && !l.template {
			l.Shutdown()
			rt.RemoveLink(l)
		}
	}
}

// selectLink implements spec.md §4.6's link-selection algorithm: scan
// all links and pick the first eligible one. "First" means in
// ascending id order, i.e. the order links were created or
// instantiated in -- map iteration order is randomized per run, so the
// ids are sorted before the scan to make the pick reproducible.
func (rt *Router) selectLink(parent *parentInterface, service string) *Link {
	rt.mu.Lock()
	ids := make([]int, 0, len(rt.links))
	for id := range rt.links {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var candidate *Link
	for _, id := range ids {
		l := rt.links[id]
		if l.busy {
			continue
		}
		if l.parent != parent {
			continue
		}
		if l.cfg.Service != service {
			continue
		}
		if l.listenEntry == nil {
			continue
		}
		candidate = l
		break
	}
	rt.mu.Unlock()

	if candidate == nil {
		return nil
	}
	if !candidate.template {
		return candidate
	}

	instance, err := rt.upper.Instantiate(candidate)
	if err != nil {
		level.Error(rt.logger).Log("message", "failed to instantiate template link", "template", candidate.Name, "error", err)
		return nil
	}
	rt.RegisterInstance(instance)
	cfgCopy := *candidate.cfg
	instance.cfg = &cfgCopy
	instance.path = candidate.path

	if err := instance.acquireParent(); err != nil {
		level.Error(rt.logger).Log("message", "failed to acquire parent for instantiated link", "error", err)
		rt.RemoveLink(instance)
		return nil
	}
	if err := instance.listen(); err != nil {
		level.Error(rt.logger).Log("message", "failed to listen for instantiated link", "error", err)
		instance.releaseParent()
		rt.RemoveLink(instance)
		return nil
	}
	return instance
}

// plumbIncoming implements spec.md §4.6's "Server plumb-in". The
// original request is replayed through a temporary hook on the local
// socket node, named after the link, spliced into the tee's
// "left2right" side for the duration of the replay and detached once
// it's done -- the tee's "left" side (wired to the PPPoE node's
// session hook) is what actually carries the frame on to the kernel.
func (rt *Router) plumbIncoming(parent *parentInterface, l *Link, frame dataFrame, packet *pppoe.PPPoEPacket, realSession, circuitID, remoteID string) error {
	// Relative netgraph path addressing: "<hook>:" from parent.path
	// names the node hanging off that hook, without needing its id.
	teeNodePath := parent.path + l.sessionHook + ":"

	if err := parent.conn.MakePeer(parent.path, "tee", l.sessionHook, "left"); err != nil {
		return &KernelPlumbingError{Op: "make-peer-tee", Err: err}
	}

	if err := parent.conn.ConnectHooks(".", l.Name, teeNodePath, "left2right"); err != nil {
		rt.unwindIncoming(parent, l, teeNodePath, false)
		return &KernelPlumbingError{Op: "connect-replay-hook", Err: err}
	}

	acName := l.cfg.ACName
	if acName == "" {
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			acName = hostname
		} else {
			acName = noNameFallback
		}
	}
	if err := parent.conn.SendMessage(parent.path, ngctl.CookiePPPoE, pppoeCmdOffer, []byte(acName)); err != nil {
		rt.unwindIncoming(parent, l, teeNodePath, true)
		return &KernelPlumbingError{Op: "pppoe-offer", Err: err}
	}
	if err := parent.conn.SendMessage(parent.path, ngctl.CookiePPPoE, pppoeCmdService, []byte(l.cfg.Service)); err != nil {
		rt.unwindIncoming(parent, l, teeNodePath, true)
		return &KernelPlumbingError{Op: "pppoe-service", Err: err}
	}

	// frame.hook is the shared "listen-<service>" hook: it stays
	// connected for the next incoming request on this service. The
	// datagram already read off it is replayed through the temporary
	// hook (named after the link) so the PPPoE node ends up processing
	// its own request off the tee's "left" side.
	if err := parent.conn.SendData(l.Name, frame.data); err != nil {
		rt.unwindIncoming(parent, l, teeNodePath, true)
		return &KernelPlumbingError{Op: "replay-discovery-request", Err: err}
	}

	if err := parent.conn.DisconnectHook(".", l.Name); err != nil {
		level.Error(l.logger).Log("message", "failed to detach temporary replay hook", "error", err)
	}

	l.parent = parent
	l.peerMAC = packet.SrcHWAddr
	l.realSession = realSession
	l.agentCircuitID = circuitID
	l.agentRemoteID = remoteID
	l.busy = true

	return l.fsm.handleEvent(evIncomingMatch)
}

// unwindIncoming tears down whatever plumbIncoming had already set up
// when a later step fails: the temporary replay hook (if it was
// connected), the tee node, and the PPPoE node's session hook.
func (rt *Router) unwindIncoming(parent *parentInterface, l *Link, teeNodePath string, tempHookConnected bool) {
	if tempHookConnected {
		_ = parent.conn.DisconnectHook(".", l.Name)
	}
	_ = parent.conn.ShutdownNode(teeNodePath)
	_ = parent.conn.DisconnectHook(parent.path, l.sessionHook)
}
