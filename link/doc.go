/*
Package link implements a PPPoE phys-layer link driver for a user-space
multilink PPP daemon, running on FreeBSD systems.

PPPoE is specified by RFC2516, with RFC4638 (PPP-Max-Payload) and
RFC4937 (extensions for access concentrators) layered on top. Session
data and discovery traffic are carried entirely by the kernel's
netgraph subsystem: ng_ether nodes represent the physical Ethernet
interfaces, ng_pppoe nodes run the discovery state machine and frame
the session data, and ng_tee nodes are used transiently to splice an
incoming session's data path into the bundle once discovery completes.
Package link drives that graph through package ngctl and exposes each
session as a Link implementing the daemon's phys-layer contract.

Currently package link implements:

 * a Parent-Interface Registry sharing one netgraph Ethernet node, and
   one control/data socket pair, across every link whose derived
   netgraph path is the same (entries are keyed by path alone),
 * a Listen Set tracking which (parent, service-name) pairs currently
   have a "listen-<service>" hook plumbed for incoming discovery
   requests,
 * the per-link phys-layer state machine (DOWN/CONNECTING/READY/UP),
 * a Discovery Event Router dispatching control messages and discovery
   datagrams from the shared sockets to the right link, including
   template-link instantiation for answering incoming sessions,
 * DSL-Forum (TR-101) vendor-tag extraction of Agent-Circuit-ID and
   Agent-Remote-ID for exposure as the link's self/peer names.

Usage

	# Note we're ignoring errors for brevity

	import (
		"github.com/katalix/go-pppoe-link/internal/dispatch"
		"github.com/katalix/go-pppoe-link/link"
	)

	disp := dispatch.New()
	router := link.NewRouter(upperLayer, disp, logger)

	l := router.NewLink("wan0")
	l.SetIface("em0", "")
	l.SetService("internet")
	l.Open()

	disp.Run()

Logging

Package link uses structured logging via the go-kit logger:
https://godoc.org/github.com/go-kit/kit/log, with go-kit levels
separating verbose debugging logs (level.Debug) from normal
informational output (level.Info) and plumbing failures (level.Error).
To disable all logging from package link, pass in log.NewNopLogger().
*/
package link
