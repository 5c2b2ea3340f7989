package link

import (
	"testing"

	"github.com/katalix/go-pppoe-link/internal/dispatch"
)

// newTestLink builds a Link wired to a fake Router/parent so FSM
// transitions can be exercised without a kernel.
func newTestLink(t *testing.T, disp *dispatch.Dispatcher, upper UpperLayer) (*Link, *Registry, map[string]*fakeConn) {
	t.Helper()
	conns := make(map[string]*fakeConn)
	registry := newTestRegistry(t, conns)
	router := newRouter(registry, upper, disp, testLogger())

	l := router.NewLink("t1")
	l.SetIface("em0", "orphans")
	l.SetService("internet")
	return l, registry, conns
}

func TestOpenOutgoingPlumbsAndArmsTimer(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, conns := newTestLink(t, disp, upper)

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if l.State() != stateConnecting {
		t.Fatalf("State() = %q, want %q", l.State(), stateConnecting)
	}
	if !l.TimerArmed() {
		t.Fatalf("connect timer not armed while CONNECTING")
	}

	conn := conns["em0"]
	if len(conn.makePeers) != 1 || conn.makePeers[0].nodeType != "pppoe" {
		t.Fatalf("MakePeer(pppoe) not issued: %+v", conn.makePeers)
	}
	if len(conn.connects) != 1 || conn.connects[0].toPath != "upper:" {
		t.Fatalf("session hook not connected to upper layer: %+v", conn.connects)
	}
	found := false
	for _, m := range conn.sentMessages {
		if m.cmd == pppoeCmdConnect {
			found = true
		}
	}
	if !found {
		t.Fatalf("PPPOE_CONNECT not sent")
	}
}

func TestOutgoingSuccessReachesUpAndDisarmsTimer(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, _ := newTestLink(t, disp, upper)

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.deliverSuccess(); err != nil {
		t.Fatalf("deliverSuccess: %v", err)
	}

	if l.State() != stateUp {
		t.Fatalf("State() = %q, want %q", l.State(), stateUp)
	}
	if l.TimerArmed() {
		t.Fatalf("connect timer still armed once UP")
	}
	if len(upper.ups) != 1 || upper.ups[0] != l {
		t.Fatalf("NotifyUp not delivered exactly once for this link")
	}
}

func TestOutgoingTimeoutTearsDownAndNotifies(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, conns := newTestLink(t, disp, upper)

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.fsm.handleEvent(evTimeout); err != nil {
		t.Fatalf("handleEvent(timeout): %v", err)
	}

	if l.State() != stateDown {
		t.Fatalf("State() = %q, want %q", l.State(), stateDown)
	}
	if len(upper.downs) != 1 || upper.downs[0].cause != "connection timeout" {
		t.Fatalf("NotifyDown = %+v, want one entry with cause \"connection timeout\"", upper.downs)
	}

	conn := conns["em0"]
	if conn.closed != true {
		t.Fatalf("parent connection not released (closed) once refs dropped to zero")
	}
}

func TestCloseFromDownIsANoOp(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, _ := newTestLink(t, disp, upper)

	if err := l.Close(); err != nil {
		t.Fatalf("Close() on a DOWN link: %v", err)
	}
	if l.State() != stateDown {
		t.Fatalf("State() = %q, want %q", l.State(), stateDown)
	}
	if len(upper.downs) != 0 {
		t.Fatalf("NotifyDown fired for a link that was never up")
	}
}

func TestCloseWhileUpTearsDownParent(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, conns := newTestLink(t, disp, upper)

	l.Open()
	l.deliverSuccess()

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if l.State() != stateDown {
		t.Fatalf("State() = %q, want %q", l.State(), stateDown)
	}
	if len(upper.downs) != 1 || upper.downs[0].cause != "closed" {
		t.Fatalf("NotifyDown = %+v, want one entry with cause \"closed\"", upper.downs)
	}
	if !conns["em0"].closed {
		t.Fatalf("parent not released on close")
	}
}

// TestIncomingMatchWithoutOpenReachesReadyNotUp exercises the guard the
// FSM table can't express directly: PPPOE_SUCCESS while CONNECTING only
// reaches UP if the upper layer has already called Open.
func TestIncomingMatchWithoutOpenReachesReadyNotUp(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, _ := newTestLink(t, disp, upper)

	if err := l.fsm.handleEvent(evIncomingMatch); err != nil {
		t.Fatalf("handleEvent(incoming-match): %v", err)
	}
	if l.State() != stateConnecting {
		t.Fatalf("State() = %q, want %q", l.State(), stateConnecting)
	}
	if len(upper.incomings) != 1 {
		t.Fatalf("NotifyIncoming not delivered")
	}

	if err := l.deliverSuccess(); err != nil {
		t.Fatalf("deliverSuccess: %v", err)
	}
	if l.State() != stateReady {
		t.Fatalf("State() = %q, want %q (not opened yet)", l.State(), stateReady)
	}
	if len(upper.ups) != 0 {
		t.Fatalf("NotifyUp fired before the upper layer opened the link")
	}
	if l.TimerArmed() {
		t.Fatalf("connect timer still armed in READY")
	}
}

func TestIncomingOpenFromReadyPlumbsTeeAndReachesUp(t *testing.T) {
	disp := dispatch.New()
	upper := newFakeUpper("upper:", "ppp")
	l, _, _ := newTestLink(t, disp, upper)

	// The Discovery Event Router normally binds l.parent during
	// plumbIncoming before evIncomingMatch fires; fake that here since
	// this test exercises the Open(READY) half in isolation.
	conn := newFakeConn()
	l.parent = &parentInterface{path: "em0:", conn: conn}

	l.fsm.handleEvent(evIncomingMatch)
	l.deliverSuccess()
	if l.State() != stateReady {
		t.Fatalf("setup: State() = %q, want %q", l.State(), stateReady)
	}

	if err := l.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if l.State() != stateUp {
		t.Fatalf("State() = %q, want %q", l.State(), stateUp)
	}

	found := false
	for _, c := range conn.connects {
		if c.toPath == "upper:" && c.toHook == "ppp" {
			found = true
		}
	}
	if !found {
		t.Fatalf("tee right hook not connected to upper layer: %+v", conn.connects)
	}
	if len(conn.shutdowns) != 1 {
		t.Fatalf("tee node not shut down after splicing: %+v", conn.shutdowns)
	}
}
