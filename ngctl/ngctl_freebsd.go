//go:build freebsd

package ngctl

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// afNetgraph is AF_NETGRAPH from FreeBSD's sys/socket.h. It is not part
// of golang.org/x/sys/unix, which only carries address families common
// to all supported kernels.
const afNetgraph = 32

// ngControlNodeType and ngDataHookName are the socket node type and data
// hook names from sys/netgraph/ng_socket.h: a netgraph socket is opened
// SOCK_DGRAM for control messages, and separately for raw data frames.
const (
	ngControlNodeType = "socket"
	ngDataHookName    = "data"
)

// conn is the freebsd netgraph backend. The control socket is used for
// every control-message exchange in this package; the data socket is a
// second netgraph socket used purely for per-hook frame relay. dial does
// not bind either socket to a name.
type conn struct {
	ifname string

	mu       sync.Mutex
	ctrlFile *os.File
	dataFile *os.File
}

func newNetgraphSocket(nodeType string) (fd int, err error) {
	fd, err = unix.Socket(afNetgraph, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("ngctl: socket: %w", err)
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ngctl: set nonblocking: %w", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ngctl: fcntl(F_GETFD): %w", err)
	}
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ngctl: fcntl(F_SETFD, FD_CLOEXEC): %w", err)
	}

	return fd, nil
}

func dial(ifname string) (Conn, error) {
	ctrlFd, err := newNetgraphSocket(ngControlNodeType)
	if err != nil {
		return nil, err
	}
	dataFd, err := newNetgraphSocket(ngControlNodeType)
	if err != nil {
		unix.Close(ctrlFd)
		return nil, err
	}

	return &conn{
		ifname:   ifname,
		ctrlFile: os.NewFile(uintptr(ctrlFd), "ngctl-ctrl"),
		dataFile: os.NewFile(uintptr(dataFd), "ngctl-data"),
	}, nil
}

func (c *conn) SendMessage(path string, cookie, cmd uint32, body []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := encodeMessage(Header{Cookie: cookie, Cmd: cmd, Flags: FlagRequest}, path, body)
	if err != nil {
		return err
	}
	_, err = c.ctrlFile.Write(b)
	return err
}

func (c *conn) RecvMessage() (*Message, error) {
	buf := make([]byte, 4096)
	n, err := c.ctrlFile.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ngctl: recv message: %w", err)
	}
	return decodeMessage(buf[:n])
}

func (c *conn) SendData(hook string, data []byte) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, err := encodeMessage(Header{}, hook, data)
	if err != nil {
		return err
	}
	_, err = c.dataFile.Write(b)
	return err
}

func (c *conn) RecvData() (hook string, data []byte, err error) {
	buf := make([]byte, 65536)
	n, err := c.dataFile.Read(buf)
	if err != nil {
		return "", nil, fmt.Errorf("ngctl: recv data: %w", err)
	}
	msg, err := decodeMessage(buf[:n])
	if err != nil {
		return "", nil, err
	}
	return msg.Path, msg.Body, nil
}

func (c *conn) MakePeer(path, nodeType, ourHook, peerHook string) error {
	body := fmt.Sprintf("%s %s %s", nodeType, ourHook, peerHook)
	return c.SendMessage(path, CookieEther, ngmMkPeer, []byte(body))
}

func (c *conn) ConnectHooks(fromPath, fromHook, toPath, toHook string) error {
	body := fmt.Sprintf("%s %s %s", toPath, fromHook, toHook)
	return c.SendMessage(fromPath, CookieEther, ngmConnect, []byte(body))
}

func (c *conn) DisconnectHook(path, hook string) error {
	return c.SendMessage(path, CookieEther, ngmRmHook, []byte(hook))
}

func (c *conn) ShutdownNode(path string) error {
	return c.SendMessage(path, CookieEther, ngmShutdown, nil)
}

func (c *conn) ListNodeTypes() (map[string]bool, error) {
	if err := c.SendMessage(".", CookieEther, ngmListTypes, nil); err != nil {
		return nil, err
	}
	msg, err := c.RecvMessage()
	if err != nil {
		return nil, err
	}
	types := map[string]bool{}
	for _, name := range splitNulTerminated(msg.Body) {
		types[name] = true
	}
	return types, nil
}

func (c *conn) ListHooks(path string) (nodeType string, hooks []HookInfo, err error) {
	if err = c.SendMessage(path, CookieEther, ngmListHooks, nil); err != nil {
		return "", nil, err
	}
	msg, err := c.RecvMessage()
	if err != nil {
		return "", nil, err
	}
	return decodeHookList(msg.Body)
}

func (c *conn) GetNodeID(path string) (uint32, error) {
	if err := c.SendMessage(path, CookieEther, ngmNodeInfo, nil); err != nil {
		return 0, err
	}
	msg, err := c.RecvMessage()
	if err != nil {
		return 0, err
	}
	if len(msg.Body) < 4 {
		return 0, fmt.Errorf("ngctl: short NODEINFO reply")
	}
	return uint32(msg.Body[0])<<24 | uint32(msg.Body[1])<<16 | uint32(msg.Body[2])<<8 | uint32(msg.Body[3]), nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err1 := c.ctrlFile.Close()
	err2 := c.dataFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// netgraph generic control commands, mirroring the NGM_* enum shared by
// every node type (sys/netgraph/ng_message.h).
const (
	ngmShutdown uint32 = iota + 1
	ngmMkPeer
	ngmConnect
	ngmRmHook
	ngmNodeInfo
	ngmListHooks
	ngmListTypes
)

// splitNulTerminatedFixedArity is splitNulTerminated's counterpart for
// fixed-width records (decodeHookList's quartets): unlike
// splitNulTerminated, it preserves empty fields so positional
// alignment survives an unconnected hook's blank peer fields.
func splitNulTerminatedFixedArity(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}

func splitNulTerminated(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// decodeHookList parses a LISTHOOKS reply: the node's own type, then
// one (hookName, peerNode, peerHook, peerType) NUL-terminated quartet
// per connected hook. An unconnected hook reports empty peer fields.
func decodeHookList(b []byte) (nodeType string, hooks []HookInfo, err error) {
	fields := splitNulTerminatedFixedArity(b)
	if len(fields) == 0 {
		return "", nil, nil
	}
	nodeType = fields[0]
	rest := fields[1:]
	if len(rest)%4 != 0 {
		return "", nil, fmt.Errorf("ngctl: malformed LISTHOOKS reply: %d hook fields not a multiple of 4", len(rest))
	}
	for i := 0; i < len(rest); i += 4 {
		hooks = append(hooks, HookInfo{
			Name:     rest[i],
			PeerNode: rest[i+1],
			PeerHook: rest[i+2],
			PeerType: rest[i+3],
		})
	}
	return nodeType, hooks, nil
}

func setInterfaceUp(ifname string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("ngctl: socket: %w", err)
	}
	defer unix.Close(fd)

	var ifr unix.IfreqFlags
	copy(ifr.Name[:], ifname)
	if err := unix.IoctlGetIfreqFlags(fd, &ifr); err != nil {
		return fmt.Errorf("ngctl: get flags for %s: %w", ifname, err)
	}
	ifr.Flags |= unix.IFF_UP
	if err := unix.IoctlSetIfreqFlags(fd, &ifr); err != nil {
		return fmt.Errorf("ngctl: set %s up: %w", ifname, err)
	}
	return nil
}

func loadModule(name string) error {
	namePtr, err := unix.BytePtrFromString(name)
	if err != nil {
		return fmt.Errorf("ngctl: invalid module name %q: %w", name, err)
	}
	_, _, errno := unix.Syscall(unix.SYS_KLDLOAD, uintptr(unsafe.Pointer(namePtr)), 0, 0)
	if errno != 0 {
		if errno == syscall.EEXIST {
			return nil
		}
		return fmt.Errorf("ngctl: kldload %s: %w", name, errno)
	}
	return nil
}
