package main

import (
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/katalix/go-pppoe-link/config"
	"github.com/katalix/go-pppoe-link/internal/dispatch"
	"github.com/katalix/go-pppoe-link/link"
)

// pppUpstream is the daemon's UpperLayer: it plumbs each link's session
// data to a netgraph node/hook pair already held open by the multilink
// PPP daemon this driver serves, and logs the notifications spec §6's
// upstream hooks describe. Negotiating PPP itself is out of scope
// (spec §1's Non-goals) -- once a link reaches UP, this driver's job is
// done.
type pppUpstream struct {
	logger    log.Logger
	upstreams map[string]config.NamedLink
}

func newPPPUpstream(logger log.Logger, links []config.NamedLink) *pppUpstream {
	u := &pppUpstream{logger: logger, upstreams: make(map[string]config.NamedLink)}
	for _, nl := range links {
		u.upstreams[nl.Name] = nl
	}
	return u
}

func (u *pppUpstream) RequestUpperHook(l *link.Link) (path, hook string, err error) {
	nl, ok := u.upstreams[l.Name]
	if !ok {
		return "", "", fmt.Errorf("no upstream configured for link %q", l.Name)
	}
	return nl.UpstreamPath, nl.UpstreamHook, nil
}

func (u *pppUpstream) Instantiate(template *link.Link) (*link.Link, error) {
	return nil, fmt.Errorf("template instantiation must be handled by the router, not the upper layer")
}

func (u *pppUpstream) NotifyUp(l *link.Link) {
	level.Info(u.logger).Log("message", "link up", "link", l.Name, "originated", l.Originated())
}

func (u *pppUpstream) NotifyDown(l *link.Link, cause string) {
	level.Info(u.logger).Log("message", "link down", "link", l.Name, "cause", cause)
}

func (u *pppUpstream) NotifyIncoming(l *link.Link) {
	level.Info(u.logger).Log("message", "incoming connection matched", "link", l.Name)
}

// application owns every live link, keyed by name, so signal-driven
// shutdown can walk them all.
type application struct {
	cfg    *config.Config
	logger log.Logger
	disp   *dispatch.Dispatcher
	router *link.Router
	links  map[string]*link.Link

	sigChan chan os.Signal
}

func newApplication(cfg *config.Config, logger log.Logger) (*application, error) {
	app := &application{
		cfg:     cfg,
		logger:  logger,
		disp:    dispatch.New(),
		links:   make(map[string]*link.Link),
		sigChan: make(chan os.Signal, 1),
	}
	signal.Notify(app.sigChan, unix.SIGINT, unix.SIGTERM)

	upper := newPPPUpstream(logger, cfg.Links)
	app.router = link.NewRouter(upper, app.disp, logger)

	for _, nl := range cfg.Links {
		var l *link.Link
		if nl.Template {
			l = app.router.NewTemplateLink(nl.Name)
		} else {
			l = app.router.NewLink(nl.Name)
		}
		if err := l.SetIface(nl.Config.Iface, nl.Config.AttachHook); err != nil {
			return nil, fmt.Errorf("link %s: %v", nl.Name, err)
		}
		if err := l.SetService(nl.Config.Service); err != nil {
			return nil, fmt.Errorf("link %s: %v", nl.Name, err)
		}
		l.SetACName(nl.Config.ACName)
		if err := l.SetMaxPayload(nl.Config.MaxPayload); err != nil {
			return nil, fmt.Errorf("link %s: %v", nl.Name, err)
		}
		l.SetMACFormat(nl.Config.MACFormat)

		if nl.Incoming {
			if err := l.SetIncoming(true); err != nil {
				return nil, fmt.Errorf("link %s: failed to enable incoming: %v", nl.Name, err)
			}
		}

		app.links[nl.Name] = l
	}

	return app, nil
}

// dialOutgoing opens every configured link that is neither a template
// nor incoming, the way a static PPPoE client dials out at startup.
func (app *application) dialOutgoing() {
	for _, nl := range app.cfg.Links {
		if nl.Template || nl.Incoming {
			continue
		}
		l := app.links[nl.Name]
		if err := l.Open(); err != nil {
			level.Error(app.logger).Log("message", "failed to open link", "link", nl.Name, "error", err)
		}
	}
}

func (app *application) run() int {
	go app.disp.Run()

	app.dialOutgoing()

	<-app.sigChan
	level.Info(app.logger).Log("message", "received signal, shutting down")

	for _, l := range app.links {
		l.Shutdown()
	}
	app.disp.Stop()

	return 0
}

func main() {
	cfgPathPtr := flag.String("config", "/etc/mpppoed/mpppoed.toml", "specify configuration file path")
	verbosePtr := flag.Bool("verbose", false, "toggle verbose log output")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPathPtr)
	if err != nil {
		stdlog.Fatalf("failed to load configuration: %v", err)
	}
	if len(cfg.Links) == 0 {
		stdlog.Fatalf("no links called out in the configuration file")
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	if *verbosePtr {
		logger = level.NewFilter(logger, level.AllowDebug(), level.AllowInfo(), level.AllowError())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo(), level.AllowError())
	}

	app, err := newApplication(cfg, logger)
	if err != nil {
		stdlog.Fatalf("failed to instantiate application: %v", err)
	}

	os.Exit(app.run())
}
