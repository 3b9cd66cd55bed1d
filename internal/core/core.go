// Package core contains the main struct of the server.
package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/screenrelay/screenrelay/internal/api"
	"github.com/screenrelay/screenrelay/internal/capture"
	"github.com/screenrelay/screenrelay/internal/conf"
	"github.com/screenrelay/screenrelay/internal/confwatcher"
	"github.com/screenrelay/screenrelay/internal/logger"
	"github.com/screenrelay/screenrelay/internal/registry"
	"github.com/screenrelay/screenrelay/internal/rescache"
	"github.com/screenrelay/screenrelay/internal/wsserver"
)

// overridden at build time with -ldflags
var version = "v0.0.0"

var cli struct {
	Version  bool   `help:"print version."`
	Confpath string `arg:"" default:"" optional:"" help:"path of the configuration file."`
}

// Core is the server instance. The resource cache and the registry are
// constructed once here and passed down explicitly; they live for the
// whole process.
type Core struct {
	ctx       context.Context
	ctxCancel context.CancelFunc
	confPath  string
	conf      *conf.Conf
	logger    *logger.Logger

	cache       *rescache.Cache
	registry    *registry.Registry
	wsServer    *wsserver.Server
	apiServer   *api.Server
	confWatcher *confwatcher.ConfWatcher

	done chan struct{}
}

// New allocates a Core.
func New(args []string) (*Core, bool) {
	parser, err := kong.New(&cli,
		kong.Description("screenrelay "+version),
		kong.UsageOnError())
	if err != nil {
		panic(err)
	}

	if _, err := parser.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, false
	}

	if cli.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	p := &Core{
		ctx:       ctx,
		ctxCancel: ctxCancel,
		confPath:  cli.Confpath,
		done:      make(chan struct{}),
	}

	if err := p.createResources(); err != nil {
		if p.logger != nil {
			p.Log(logger.Error, "%s", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		p.closeResources()
		ctxCancel()
		return nil, false
	}

	go p.run()

	return p, true
}

// Log implements logger.Writer.
func (p *Core) Log(level logger.Level, format string, args ...any) {
	p.logger.Log(level, format, args...)
}

// Close closes the server and waits for it to exit.
func (p *Core) Close() {
	p.ctxCancel()
	<-p.done
}

// Wait blocks until the server exits.
func (p *Core) Wait() {
	<-p.done
}

func (p *Core) createResources() error {
	cnf, err := conf.Load(p.confPath)
	if err != nil {
		return err
	}
	p.conf = cnf

	level, _ := logger.ParseLevel(cnf.LogLevel)
	p.logger = logger.New(level)

	p.Log(logger.Info, "screenrelay %s", version)

	p.cache = rescache.New(cnf.CacheSize)

	p.registry = &registry.Registry{
		Conf:   cnf,
		Cache:  p.cache,
		Source: &capture.TestPatternSource{},
		Parent: p,
	}
	p.registry.Initialize()

	p.wsServer = &wsserver.Server{
		Registry: p.registry,
		Parent:   p,
	}
	p.wsServer.Initialize()

	p.apiServer = &api.Server{
		Address:   cnf.Address,
		PPROF:     cnf.PPROF,
		Registry:  p.registry,
		Cache:     p.cache,
		Parent:    p,
		WSHandler: p.wsServer.Handle,
	}
	if err := p.apiServer.Initialize(); err != nil {
		return err
	}

	if p.confPath != "" {
		p.confWatcher, err = confwatcher.New(p.confPath)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Core) closeResources() {
	if p.confWatcher != nil {
		p.confWatcher.Close()
	}
	if p.apiServer != nil {
		p.apiServer.Close()
	}
	if p.registry != nil {
		p.registry.Close()
	}
}

// reloadConf applies a changed configuration file. The log level and the
// limits consulted at stream creation take effect immediately; running
// streams keep the configuration they were created with.
func (p *Core) reloadConf() {
	cnf, err := conf.Load(p.confPath)
	if err != nil {
		p.Log(logger.Warn, "configuration not reloaded: %s", err)
		return
	}

	level, _ := logger.ParseLevel(cnf.LogLevel)
	p.logger.SetLevel(level)
	p.registry.ReloadConf(cnf)
	p.conf = cnf

	p.Log(logger.Info, "configuration reloaded")
}

func (p *Core) run() {
	defer close(p.done)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	var confChanged <-chan struct{}
	if p.confWatcher != nil {
		confChanged = p.confWatcher.Watch()
	}

outer:
	for {
		select {
		case <-confChanged:
			p.reloadConf()

		case <-interrupt:
			p.Log(logger.Info, "shutting down")
			break outer

		case <-p.ctx.Done():
			break outer
		}
	}

	p.ctxCancel()
	p.closeResources()
}
