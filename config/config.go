/*
Package config implements a parser for PPPoE link configuration
represented in the TOML format: https://github.com/toml-lang/toml.

Please refer to the TOML repos for an in-depth description of the
syntax.

Link instances are called out in the configuration file using named
TOML tables. Each link instance table contains configuration parameters
for that instance as key:value pairs.

	# This is a link instance named "wan0".
	[link.wan0]

	# iface specifies the parent Ethernet interface the link's PPPoE
	# peer is attached to.
	iface = "em0"

	# attach_hook specifies the hook on the Ethernet node the PPPoE
	# peer is attached to. Defaults to "orphans" if unset.
	attach_hook = "orphans"

	# service specifies the service-name selector this link answers or
	# requests. "*" (the default) matches any service.
	service = "internet"

	# ac_name specifies the access-concentrator name this link
	# advertises when answering an incoming connection. If unset the
	# host name is used, falling back to "NONAME".
	ac_name = "myrouter"

	# max_payload specifies the PPP-Max-Payload value (RFC4638) this
	# link requests/offers. Must be 0 (disabled) or in [1492, 1510].
	max_payload = 1492

	# mac_format specifies how the peer's Ethernet address is rendered
	# for calling/called-number purposes. One of "unformatted",
	# "unix-like", "cisco-like", "ietf". Defaults to "unformatted".
	mac_format = "unix-like"

	# incoming, if set, makes this link listen for incoming discovery
	# requests instead of originating one itself: mpppoed does not dial
	# an incoming link at startup.
	incoming = true

	# template, if set, marks this link as a template: it is never
	# itself used for a live session, but cloned to answer each
	# incoming connection matching its iface/service. Requires
	# incoming = true.
	template = false

	# upstream_path and upstream_hook name the netgraph node and hook
	# the link's session data should be spliced into once a session
	# comes up -- typically a socket node already held open by the
	# multilink PPP daemon this driver serves. Default to "." (the
	# local netgraph socket node) and "mpd-<name>" if unset.
	upstream_path = "."
	upstream_hook = "mpd-wan0"
*/
package config

import (
	"fmt"

	"github.com/pelletier/go-toml"

	"github.com/katalix/go-pppoe-link/link"
)

// Config contains PPPoE link configuration for every link instance
// named in a configuration file.
type Config struct {
	// The entire tree as a map as parsed from the TOML representation.
	// Apps may access this tree to handle their own config tables.
	Map map[string]interface{}
	// All the link instances defined in the configuration.
	Links []NamedLink
}

// NamedLink contains PPPoE link configuration for a single instance.
type NamedLink struct {
	// The link's name as specified in the config file.
	Name string
	// The link's PPPoE configuration.
	Config *link.Config
	// Incoming reports whether this link should listen for incoming
	// discovery requests.
	Incoming bool
	// Template reports whether this link is a template, cloned to
	// answer each incoming connection rather than used directly.
	Template bool
	// UpstreamPath and UpstreamHook name the netgraph node/hook this
	// link's session data should be spliced into once established.
	UpstreamPath string
	UpstreamHook string
}

func toBool(v interface{}) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("supplied value could not be parsed as a bool")
}

// go-toml's ToMap function represents numbers as either uint64 or
// int64. So when we are converting numbers, we need to figure out
// which one it has picked and range check to ensure that the number
// from the config fits within the range of the destination type.
func toUint16(v interface{}) (uint16, error) {
	if b, ok := v.(int64); ok {
		if b < 0x0 || b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint16(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toMACFormat(v interface{}) (link.MACFormat, error) {
	s, err := toString(v)
	if err != nil {
		return 0, err
	}
	return link.ParseMACFormat(s)
}

func newLinkConfig(name string, lcfg map[string]interface{}) (nl *NamedLink, err error) {
	nl = &NamedLink{
		Name:         name,
		Config:       link.NewConfig(),
		UpstreamPath: ".",
		UpstreamHook: "mpd-" + name,
	}
	for k, v := range lcfg {
		var err error
		switch k {
		case "iface":
			nl.Config.Iface, err = toString(v)
		case "attach_hook":
			nl.Config.AttachHook, err = toString(v)
		case "service":
			nl.Config.Service, err = toString(v)
		case "ac_name":
			nl.Config.ACName, err = toString(v)
		case "max_payload":
			nl.Config.MaxPayload, err = toUint16(v)
		case "mac_format":
			nl.Config.MACFormat, err = toMACFormat(v)
		case "incoming":
			nl.Incoming, err = toBool(v)
		case "template":
			nl.Template, err = toBool(v)
		case "upstream_path":
			nl.UpstreamPath, err = toString(v)
		case "upstream_hook":
			nl.UpstreamHook, err = toString(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter '%v'", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	if nl.Config.Iface == "" {
		return nil, fmt.Errorf("iface is required")
	}
	if nl.Template && !nl.Incoming {
		return nil, fmt.Errorf("template links must have incoming = true")
	}
	return nl, nil
}

func (cfg *Config) loadLinks() error {
	var links map[string]interface{}

	// Extract the link map from the configuration tree.
	if got, ok := cfg.Map["link"]; ok {
		links, ok = got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("link instances must be named, e.g. '[link.mylink]'")
		}
	} else {
		return fmt.Errorf("no link table present")
	}

	for name, got := range links {
		lmap, ok := got.(map[string]interface{})
		if !ok {
			return fmt.Errorf("link instances must be named, e.g. '[link.mylink]'")
		}
		nl, err := newLinkConfig(name, lmap)
		if err != nil {
			return fmt.Errorf("link %v: %v", name, err)
		}
		cfg.Links = append(cfg.Links, *nl)
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{Map: tree.ToMap()}
	if err := cfg.loadLinks(); err != nil {
		return nil, fmt.Errorf("failed to parse links: %v", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}
