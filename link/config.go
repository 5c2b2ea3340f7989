package link

import "fmt"

// maxGraphPathLen mirrors FreeBSD netgraph's NG_PATHSIZ (32, including
// the NUL terminator): a path longer than this is truncated, silently,
// by the original C driver's fixed buffer. This is one of the flagged
// Open Questions (spec.md §9): we preserve the truncating behavior
// rather than rejecting an overlong interface name, and document the
// limit here instead of hiding it in a magic number.
const maxGraphPathLen = 31

// Config holds the per-link mutable configuration surface: parent
// Ethernet interface and attach hook, service-name selector, AC name,
// advertised max-payload and MAC rendering.
type Config struct {
	Iface      string
	AttachHook string
	Service    string
	ACName     string
	MaxPayload uint16
	MACFormat  MACFormat
}

// NewConfig returns a Config with the defaults the original driver
// applies before any `iface`/`service`/... command is issued.
func NewConfig() *Config {
	return &Config{
		AttachHook: defaultAttachHook,
		Service:    defaultService,
	}
}

// derivePath computes the netgraph graph path for a parent Ethernet
// interface, following the original's approach exactly: copy the
// interface name into a fixed-size buffer, replace every '.' and ':'
// with '_', then stop at the first NUL and overwrite it with a
// trailing ':'. An interface name that does not fit is truncated to
// maxGraphPathLen-1 characters before the trailing ':' is appended.
func derivePath(iface string) string {
	buf := []byte(iface)
	if len(buf) > maxGraphPathLen-1 {
		buf = buf[:maxGraphPathLen-1]
	}
	for i := range buf {
		if buf[i] == '.' || buf[i] == ':' {
			buf[i] = '_'
		}
	}
	return string(buf) + ":"
}

// SetIface sets the parent interface name (and, optionally, the hook to
// attach the PPPoE peer on; "orphans" if omitted), deriving the graph
// path as derivePath does. If the link is currently listening, it is
// unlistened and its parent released before the new parent is acquired
// and listened again -- mirroring PppoeSetCommand's SET_IFACE handling.
func (l *Link) SetIface(iface string, hook string) error {
	if hook == "" {
		hook = defaultAttachHook
	}

	wasListening := l.listenEntry != nil
	if wasListening {
		l.unlisten()
		l.releaseParent()
	}

	l.cfg.Iface = iface
	l.cfg.AttachHook = hook
	l.path = derivePath(iface)

	if wasListening {
		if err := l.acquireParent(); err != nil {
			return err
		}
		return l.listen()
	}
	return nil
}

// SetService sets the service-name selector. "*" matches any service.
// Changing it while listening re-registers the Listen Set entry under
// the new name.
func (l *Link) SetService(service string) error {
	if service == "" {
		service = defaultService
	}

	wasListening := l.listenEntry != nil
	if wasListening {
		l.unlisten()
	}

	l.cfg.Service = service

	if wasListening {
		return l.listen()
	}
	return nil
}

// SetACName sets the AC-Name advertised in server OFFER messages.
func (l *Link) SetACName(name string) {
	l.cfg.ACName = name
}

// SetMaxPayload sets the PPP-Max-Payload value requested/offered by
// this link. A value of 0 disables the RFC4638 extension entirely; any
// other value must fall in [1492, 1510].
func (l *Link) SetMaxPayload(v uint16) error {
	if v != 0 && (v < minMaxPayload || v > maxMaxPayload) {
		return &ConfigError{
			Field:  "max-payload",
			Value:  v,
			Reason: fmt.Sprintf("must be 0 or in [%d, %d]", minMaxPayload, maxMaxPayload),
		}
	}
	l.cfg.MaxPayload = v
	return nil
}

// SetMACFormat sets how the peer MAC address is rendered in
// calling/called-number outputs.
func (l *Link) SetMACFormat(f MACFormat) {
	l.cfg.MACFormat = f
}

// formatMAC renders addr according to f.
func formatMAC(addr [6]byte, f MACFormat) string {
	switch f {
	case MACFormatUnixLike:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	case MACFormatCiscoLike:
		return fmt.Sprintf("%02x%02x.%02x%02x.%02x%02x",
			addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	case MACFormatIETF:
		return fmt.Sprintf("%02x-%02x-%02x-%02x-%02x-%02x",
			addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	default:
		return fmt.Sprintf("%02x%02x%02x%02x%02x%02x",
			addr[0], addr[1], addr[2], addr[3], addr[4], addr[5])
	}
}
