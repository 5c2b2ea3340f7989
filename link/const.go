package link

import "time"

// Link states, per the phys-layer state machine.
const (
	stateDown       = "down"
	stateConnecting = "connecting"
	stateReady      = "ready"
	stateUp         = "up"
)

// FSM event names.
const (
	evOpen          = "open"
	evIncomingMatch = "incoming-match"
	evSuccess       = "success"
	evFail          = "fail"
	evClose         = "close"
	evTimeout       = "timeout"
	evShutdown      = "shutdown"
)

// connectTimeout is the default per-link connect-timeout, arming
// whenever a link enters CONNECTING and disarming on every other
// transition.
const connectTimeout = 9 * time.Second

// MACFormat selects how a peer's hardware address is rendered in
// calling/called-number outputs.
type MACFormat int

const (
	MACFormatUnformatted MACFormat = iota
	MACFormatUnixLike
	MACFormatCiscoLike
	MACFormatIETF
)

func (f MACFormat) String() string {
	switch f {
	case MACFormatUnformatted:
		return "unformatted"
	case MACFormatUnixLike:
		return "unix-like"
	case MACFormatCiscoLike:
		return "cisco-like"
	case MACFormatIETF:
		return "ietf"
	default:
		return "unknown"
	}
}

// ParseMACFormat converts a configuration string to a MACFormat.
func ParseMACFormat(s string) (MACFormat, error) {
	switch s {
	case "unformatted":
		return MACFormatUnformatted, nil
	case "unix-like":
		return MACFormatUnixLike, nil
	case "cisco-like":
		return MACFormatCiscoLike, nil
	case "ietf":
		return MACFormatIETF, nil
	default:
		return 0, &ConfigError{Field: "mac-format", Value: s, Reason: "must be one of unformatted, unix-like, cisco-like, ietf"}
	}
}

// max-payload bounds, RFC4638 §2 ("PPPOE_MRU ≤ v ≤ ETHER_MAX_LEN - 8").
const (
	minMaxPayload = 1492
	maxMaxPayload = 1510
)

// defaultMTU is the phys default reported when no max-payload has been
// negotiated.
const defaultMTU = 1492

// maxParentInterfaces is the fixed capacity of the Parent-Interface
// Registry. Builds constrained for small targets use the reduced
// capacity instead.
const (
	maxParentInterfaces      = 4096
	maxParentInterfacesSmall = 32
)

// defaultAttachHook is the Ethernet node hook a PPPoE peer is attached
// to when no override is configured.
const defaultAttachHook = "orphans"

// defaultService is the wildcard service-name selector.
const defaultService = "*"

// noNameFallback is the literal advertised as AC-Name when neither a
// configured name nor the host name is available.
const noNameFallback = "NONAME"
