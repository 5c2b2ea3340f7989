package link

import (
	"fmt"
	"os"
	"testing"

	"github.com/katalix/go-pppoe-link/internal/dispatch"
	"github.com/katalix/go-pppoe-link/ngctl"
	"github.com/katalix/go-pppoe-link/pppoe"
)

func newTestRouter(t *testing.T, upper UpperLayer) (*Router, map[string]*fakeConn) {
	t.Helper()
	conns := make(map[string]*fakeConn)
	registry := newTestRegistry(t, conns)
	return newRouter(registry, upper, dispatch.New(), testLogger()), conns
}

func TestResolveHookLinkIgnoresListenHooks(t *testing.T) {
	rt, _ := newTestRouter(t, newFakeUpper("upper:", "ppp"))
	if l := rt.resolveHookLink(&parentInterface{}, "listen-internet"); l != nil {
		t.Fatalf("resolveHookLink(listen hook) = %v, want nil", l)
	}
}

func TestResolveHookLinkRequiresOwnPIDPrefix(t *testing.T) {
	rt, _ := newTestRouter(t, newFakeUpper("upper:", "ppp"))
	l := rt.NewLink("t1")
	if got := rt.resolveHookLink(&parentInterface{}, "foreignpid-0"); got != nil {
		t.Fatalf("resolveHookLink(foreign prefix) = %v, want nil", got)
	}
	_ = l
}

func TestResolveHookLinkRejectsDifferentParent(t *testing.T) {
	rt, _ := newTestRouter(t, newFakeUpper("upper:", "ppp"))
	l := rt.NewLink("t1")
	l.parent = &parentInterface{path: "em0:"}

	otherParent := &parentInterface{path: "em1:"}
	hook := fmt.Sprintf("mpd%d-%d", os.Getpid(), l.ID)
	if got := rt.resolveHookLink(otherParent, hook); got != nil {
		t.Fatalf("resolveHookLink for a link bound to a different parent = %v, want nil", got)
	}
	if got := rt.resolveHookLink(l.parent, hook); got != l {
		t.Fatalf("resolveHookLink(correct parent) = %v, want %v", got, l)
	}
}

func TestSelectLinkSkipsBusyAndMismatchedService(t *testing.T) {
	rt, _ := newTestRouter(t, newFakeUpper("upper:", "ppp"))
	parent := &parentInterface{path: "em0:"}

	busy := rt.NewLink("busy")
	busy.parent = parent
	busy.cfg.Service = "internet"
	busy.listenEntry = &listenEntry{}
	busy.busy = true

	wrongService := rt.NewLink("wrong-service")
	wrongService.parent = parent
	wrongService.cfg.Service = "voip"
	wrongService.listenEntry = &listenEntry{}

	notListening := rt.NewLink("not-listening")
	notListening.parent = parent
	notListening.cfg.Service = "internet"

	eligible := rt.NewLink("eligible")
	eligible.parent = parent
	eligible.cfg.Service = "internet"
	eligible.listenEntry = &listenEntry{}

	got := rt.selectLink(parent, "internet")
	if got != eligible {
		t.Fatalf("selectLink = %v, want the one eligible, non-busy, matching-service link", got)
	}
}

func TestSelectLinkIsDeterministicWithMultipleEligibleLinks(t *testing.T) {
	rt, _ := newTestRouter(t, newFakeUpper("upper:", "ppp"))
	parent := &parentInterface{path: "em0:"}

	first := rt.NewLink("first")
	first.parent = parent
	first.cfg.Service = "internet"
	first.listenEntry = &listenEntry{}

	second := rt.NewLink("second")
	second.parent = parent
	second.cfg.Service = "internet"
	second.listenEntry = &listenEntry{}

	for i := 0; i < 20; i++ {
		got := rt.selectLink(parent, "internet")
		if got != first {
			t.Fatalf("selectLink run %d = %v, want the first-created of two equally eligible links (%v)", i, got, first)
		}
	}
}

func TestSelectLinkInstantiatesTemplate(t *testing.T) {
	rt, conns := newTestRouter(t, nil)
	parent, err := rt.acquireParent(&Link{path: "em0:", cfg: &Config{Iface: "em0", AttachHook: "orphans"}})
	if err != nil {
		t.Fatalf("acquireParent: %v", err)
	}

	template := rt.NewTemplateLink("tmpl")
	template.cfg.Service = "internet"
	template.cfg.Iface = "em0"
	template.cfg.AttachHook = "orphans"
	template.path = "em0:"
	template.parent = parent
	template.listenEntry = &listenEntry{parent: parent, service: "internet", refs: 1}
	parent.listens["internet"] = template.listenEntry

	var instantiated *Link
	upper := &fakeUpper{
		upperPath: "upper:",
		upperHook: "ppp",
		instantiate: func(tmpl *Link) (*Link, error) {
			clone := &Link{Name: tmpl.Name + "-inst", cfg: NewConfig()}
			instantiated = clone
			return clone, nil
		},
	}
	rt.upper = upper

	got := rt.selectLink(parent, "internet")
	if got == nil {
		t.Fatalf("selectLink returned nil for a template with a matching listen entry")
	}
	if got != instantiated {
		t.Fatalf("selectLink did not return the instantiated clone")
	}
	if got.listenEntry == nil || got.listenEntry.service != "internet" {
		t.Fatalf("instantiated link is not listening: %+v", got.listenEntry)
	}
	if got.parent == nil || got.parent.Refs() < 2 {
		t.Fatalf("instantiated link did not take its own parent reference: refs=%v", got.parent)
	}
	if conns["em0"] == nil {
		t.Fatalf("no connection recorded for em0")
	}
}

func TestHandleDataPlumbsIncomingMatch(t *testing.T) {
	upper := newFakeUpper("upper:", "ppp")
	rt, conns := newTestRouter(t, upper)

	l := rt.NewLink("t1")
	l.SetIface("em0", "orphans")
	l.SetService("internet")
	parent, err := rt.acquireParent(l)
	if err != nil {
		t.Fatalf("acquireParent: %v", err)
	}
	l.parent = parent
	if err := l.listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	srcMAC := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	pkt, err := pppoe.NewPADI(srcMAC, "internet")
	if err != nil {
		t.Fatalf("NewPADI: %v", err)
	}
	if err := pkt.AddDSLForumTag("circuit-1", "remote-1"); err != nil {
		t.Fatalf("AddDSLForumTag: %v", err)
	}
	data, err := pkt.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	rt.handleData(parent, dataFrame{hook: "listen-internet", data: data}, nil)

	if l.State() != stateConnecting {
		t.Fatalf("State() = %q, want %q after an incoming match", l.State(), stateConnecting)
	}
	if !l.busy {
		t.Fatalf("link not marked busy after being matched")
	}
	if l.agentCircuitID != "circuit-1" || l.agentRemoteID != "remote-1" {
		t.Fatalf("DSL-Forum tag not captured: circuit=%q remote=%q", l.agentCircuitID, l.agentRemoteID)
	}
	if len(upper.incomings) != 1 {
		t.Fatalf("NotifyIncoming not delivered")
	}

	conn := conns["em0"]
	foundOffer, foundService := false, false
	for _, m := range conn.sentMessages {
		if m.cmd == pppoeCmdOffer {
			foundOffer = true
		}
		if m.cmd == pppoeCmdService {
			foundService = true
		}
	}
	if !foundOffer || !foundService {
		t.Fatalf("OFFER/SERVICE not both sent: offer=%v service=%v", foundOffer, foundService)
	}
	// The shared listen hook must stay connected for the next request.
	for _, d := range conn.disconnects {
		if d.hook == "listen-internet" {
			t.Fatalf("shared listen hook was disconnected during plumb-in")
		}
	}

	// The original discovery datagram must be replayed through a
	// temporary hook named after the link, spliced into the tee's
	// "left2right" side, and that temporary hook must then be detached
	// — it must never be replayed straight onto l.sessionHook, which is
	// wired to the tee's "left" side and doesn't exist on the data
	// socket.
	teeNodePath := parent.path + l.sessionHook + ":"
	foundTeeConnect := false
	for _, c := range conn.connects {
		if c.fromPath == "." && c.fromHook == l.Name && c.toPath == teeNodePath && c.toHook == "left2right" {
			foundTeeConnect = true
		}
	}
	if !foundTeeConnect {
		t.Fatalf("temporary hook %q was not connected to %s left2right: connects=%+v", l.Name, teeNodePath, conn.connects)
	}

	foundReplay := false
	for _, sd := range conn.sentData {
		if sd.hook == l.Name {
			foundReplay = true
			if string(sd.data) != string(data) {
				t.Fatalf("replayed data on temp hook does not match the original discovery datagram")
			}
		}
		if sd.hook == l.sessionHook {
			t.Fatalf("discovery datagram replayed directly on l.sessionHook %q; must use the temporary hook", l.sessionHook)
		}
	}
	if !foundReplay {
		t.Fatalf("discovery datagram was never replayed on the temporary hook %q: sentData=%+v", l.Name, conn.sentData)
	}

	foundTempDetach := false
	for _, d := range conn.disconnects {
		if d.path == "." && d.hook == l.Name {
			foundTempDetach = true
		}
	}
	if !foundTempDetach {
		t.Fatalf("temporary replay hook %q was never detached: disconnects=%+v", l.Name, conn.disconnects)
	}
}

func TestPlumbIncomingUnwindsTempHookOnFailure(t *testing.T) {
	upper := newFakeUpper("upper:", "ppp")
	rt, conns := newTestRouter(t, upper)

	l := rt.NewLink("t1")
	l.SetIface("em0", "orphans")
	l.SetService("internet")
	parent, err := rt.acquireParent(l)
	if err != nil {
		t.Fatalf("acquireParent: %v", err)
	}
	l.parent = parent
	if err := l.listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	conn := conns["em0"]
	conn.failSendMessage = fmt.Errorf("injected offer failure")

	srcMAC := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	pkt, err := pppoe.NewPADI(srcMAC, "internet")
	if err != nil {
		t.Fatalf("NewPADI: %v", err)
	}
	data, err := pkt.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes: %v", err)
	}

	rt.handleData(parent, dataFrame{hook: "listen-internet", data: data}, nil)

	if l.busy {
		t.Fatalf("link left marked busy after a failed plumb-in")
	}

	foundTempDetach := false
	for _, d := range conn.disconnects {
		if d.path == "." && d.hook == l.Name {
			foundTempDetach = true
		}
	}
	if !foundTempDetach {
		t.Fatalf("temporary replay hook %q was not detached on the failure path: disconnects=%+v", l.Name, conn.disconnects)
	}

	teeNodePath := parent.path + l.sessionHook + ":"
	foundTeeShutdown := false
	for _, s := range conn.shutdowns {
		if s == teeNodePath {
			foundTeeShutdown = true
		}
	}
	if !foundTeeShutdown {
		t.Fatalf("tee node %q was not shut down on the failure path: shutdowns=%v", teeNodePath, conn.shutdowns)
	}
}

func TestHandleDataDropsFramesOnNonListenHooks(t *testing.T) {
	rt, _ := newTestRouter(t, newFakeUpper("upper:", "ppp"))
	parent := &parentInterface{path: "em0:"}
	rt.handleData(parent, dataFrame{hook: "mpd1-0", data: []byte("x")}, nil)
}

func TestHandleDataDropsWhenShuttingDown(t *testing.T) {
	upper := newFakeUpper("upper:", "ppp")
	rt, _ := newTestRouter(t, upper)
	rt.SetShuttingDown(true)

	l := rt.NewLink("t1")
	l.cfg.Service = "internet"
	l.listenEntry = &listenEntry{}
	parent := &parentInterface{path: "em0:", conn: newFakeConn(), listens: map[string]*listenEntry{}}
	l.parent = parent

	srcMAC := [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
	pkt, _ := pppoe.NewPADI(srcMAC, "internet")
	data, _ := pkt.ToBytes()

	rt.handleData(parent, dataFrame{hook: "listen-internet", data: data}, nil)

	if l.busy {
		t.Fatalf("link matched to an incoming request while shutting down")
	}
	if len(upper.incomings) != 0 {
		t.Fatalf("NotifyIncoming delivered while shutting down")
	}
}

func TestAdvanceAppliesSuccessMessageToLink(t *testing.T) {
	upper := newFakeUpper("upper:", "ppp")
	rt, _ := newTestRouter(t, upper)
	l := rt.NewLink("t1")
	l.parent = &parentInterface{path: "em0:"}
	l.Open()

	msg := &ngctl.Message{
		Header: ngctl.Header{Cookie: ngctl.CookiePPPoE, Cmd: pppoeCmdSuccess},
		Path:   l.sessionHook,
	}
	rt.advance(l, msg)

	if l.State() != stateUp {
		t.Fatalf("State() = %q, want %q after advancing with a SUCCESS message", l.State(), stateUp)
	}
}
