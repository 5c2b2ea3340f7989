package link

import (
	"fmt"
	"sync"

	"github.com/katalix/go-pppoe-link/ngctl"
)

// fakeConn is an in-memory stand-in for ngctl.Conn: it records every
// operation issued against it and lets a test queue up control/data
// frames to be returned from RecvMessage/RecvData. It never talks to a
// real kernel, so it runs on every GOOS.
type fakeConn struct {
	mu sync.Mutex

	makePeers       []fakeMakePeer
	connects        []fakeConnect
	disconnects     []fakeDisconnect
	shutdowns       []string
	sentMessages    []fakeSentMessage
	sentData        []fakeSentData
	nodeTypes       map[string]bool
	hooksByPath     map[string][]ngctl.HookInfo
	nodeIDsByPath   map[string]uint32

	controlQueue []*ngctl.Message
	dataQueue    []fakeSentData

	closed bool

	// failMakePeer, if set, is returned by every MakePeer call.
	failMakePeer error
	// failConnect, if set, is returned by every ConnectHooks call.
	failConnect error
	// failSendMessage, if set, is returned by every SendMessage call.
	failSendMessage error
}

type fakeMakePeer struct {
	path, nodeType, ourHook, peerHook string
}

type fakeConnect struct {
	fromPath, fromHook, toPath, toHook string
}

type fakeDisconnect struct {
	path, hook string
}

type fakeSentMessage struct {
	path string
	cmd  uint32
	body []byte
}

type fakeSentData struct {
	hook string
	data []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		nodeTypes:     map[string]bool{"ether": true, "pppoe": true, "tee": true},
		hooksByPath:   make(map[string][]ngctl.HookInfo),
		nodeIDsByPath: make(map[string]uint32),
	}
}

func (c *fakeConn) SendMessage(path string, cookie, cmd uint32, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSendMessage != nil {
		return c.failSendMessage
	}
	c.sentMessages = append(c.sentMessages, fakeSentMessage{path: path, cmd: cmd, body: body})
	return nil
}

func (c *fakeConn) RecvMessage() (*ngctl.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.controlQueue) == 0 {
		return nil, fmt.Errorf("fakeConn: control queue empty")
	}
	msg := c.controlQueue[0]
	c.controlQueue = c.controlQueue[1:]
	return msg, nil
}

func (c *fakeConn) SendData(hook string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sentData = append(c.sentData, fakeSentData{hook: hook, data: data})
	return nil
}

func (c *fakeConn) RecvData() (string, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.dataQueue) == 0 {
		return "", nil, fmt.Errorf("fakeConn: data queue empty")
	}
	f := c.dataQueue[0]
	c.dataQueue = c.dataQueue[1:]
	return f.hook, f.data, nil
}

func (c *fakeConn) MakePeer(path, nodeType, ourHook, peerHook string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failMakePeer != nil {
		return c.failMakePeer
	}
	c.makePeers = append(c.makePeers, fakeMakePeer{path: path, nodeType: nodeType, ourHook: ourHook, peerHook: peerHook})
	c.hooksByPath[path] = append(c.hooksByPath[path], ngctl.HookInfo{
		Name:     ourHook,
		PeerNode: fmt.Sprintf("[%s%s]", path, ourHook),
		PeerHook: peerHook,
		PeerType: nodeType,
	})
	return nil
}

func (c *fakeConn) ConnectHooks(fromPath, fromHook, toPath, toHook string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failConnect != nil {
		return c.failConnect
	}
	c.connects = append(c.connects, fakeConnect{fromPath: fromPath, fromHook: fromHook, toPath: toPath, toHook: toHook})
	return nil
}

func (c *fakeConn) DisconnectHook(path, hook string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, fakeDisconnect{path: path, hook: hook})
	return nil
}

func (c *fakeConn) ShutdownNode(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdowns = append(c.shutdowns, path)
	return nil
}

func (c *fakeConn) ListNodeTypes() (map[string]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.nodeTypes))
	for k, v := range c.nodeTypes {
		out[k] = v
	}
	return out, nil
}

func (c *fakeConn) ListHooks(path string) (string, []ngctl.HookInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "ether", c.hooksByPath[path], nil
}

func (c *fakeConn) GetNodeID(path string) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.nodeIDsByPath[path]; ok {
		return id, nil
	}
	return 1, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeUpper is a minimal UpperLayer: it answers RequestUpperHook with a
// fixed path/hook, records every notification it receives, and clones
// templates by copying the Link struct's exported bits through a
// caller-supplied constructor.
type fakeUpper struct {
	mu sync.Mutex

	upperPath, upperHook string
	requestErr           error

	instantiate func(template *Link) (*Link, error)

	ups       []*Link
	downs     []fakeDownNotify
	incomings []*Link
}

type fakeDownNotify struct {
	l     *Link
	cause string
}

func newFakeUpper(path, hook string) *fakeUpper {
	return &fakeUpper{upperPath: path, upperHook: hook}
}

func (u *fakeUpper) RequestUpperHook(l *Link) (string, string, error) {
	if u.requestErr != nil {
		return "", "", u.requestErr
	}
	return u.upperPath, u.upperHook, nil
}

func (u *fakeUpper) Instantiate(template *Link) (*Link, error) {
	if u.instantiate != nil {
		return u.instantiate(template)
	}
	return nil, fmt.Errorf("fakeUpper: Instantiate not configured")
}

func (u *fakeUpper) NotifyUp(l *Link) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ups = append(u.ups, l)
}

func (u *fakeUpper) NotifyDown(l *Link, cause string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.downs = append(u.downs, fakeDownNotify{l: l, cause: cause})
}

func (u *fakeUpper) NotifyIncoming(l *Link) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.incomings = append(u.incomings, l)
}
