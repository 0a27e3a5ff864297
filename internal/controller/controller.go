// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ovis-hpc/ldmsd/internal/cfgobj"
	"github.com/ovis-hpc/ldmsd/internal/config"
	"github.com/ovis-hpc/ldmsd/internal/controller/listener"
	"github.com/ovis-hpc/ldmsd/internal/controller/metrics"
	"github.com/ovis-hpc/ldmsd/internal/dispatch"
	"github.com/ovis-hpc/ldmsd/internal/lifecycle"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
	"github.com/ovis-hpc/ldmsd/internal/rpc"
)

// Options contains controller options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Loaders replaces the default plugin loaders (builtins, then shared
	// objects on the plugin library path).
	Loaders []plugin.Loader

	// LogOutput replaces stderr when no log file is configured.
	LogOutput io.Writer
}

// Controller assembles the daemon: registries, dispatcher and control
// listeners.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	levelVar *slog.LevelVar
	logFile  *internallog.RotatingFile

	sets       *metricset.Registry
	plugins    *plugin.Registry
	objects    *cfgobj.Manager
	dispatcher *dispatch.Dispatcher
	auth       *rpc.Authenticator

	servers       []*rpc.Server
	serving       sync.WaitGroup
	metricsServer *http.Server
	pidFile       *lifecycle.PIDFile

	exitOnce sync.Once
	exitCh   chan struct{}

	mu      sync.Mutex
	started bool

	cleanupOnce sync.Once
	cleanupErr  error
}

// New creates a controller. Nothing is bound or started until Start.
func New(cfg *config.Config, opts Options) (*Controller, error) {
	c := &Controller{
		cfg:      cfg,
		opts:     opts,
		levelVar: new(slog.LevelVar),
		exitCh:   make(chan struct{}),
	}

	output := opts.LogOutput
	if output == nil {
		output = os.Stderr
	}
	if cfg.Log.File != "" {
		f, err := internallog.OpenFile(cfg.Log.File)
		if err != nil {
			return nil, err
		}
		c.logFile = f
		output = f
	}
	c.logger = internallog.WithComponent(internallog.New(&internallog.Config{
		Level:     cfg.Log.Level,
		Format:    internallog.Format(cfg.Log.Format),
		Output:    output,
		AddSource: cfg.Log.AddSource,
		LevelVar:  c.levelVar,
	}), "ldmsd")

	loaders := opts.Loaders
	if len(loaders) == 0 {
		loaders = []plugin.Loader{plugin.Builtins(), &plugin.SharedObjectLoader{Paths: cfg.LibPaths()}}
	}
	c.sets = metricset.NewRegistry()
	c.plugins = plugin.NewRegistry(plugin.RegistryConfig{
		Loaders: loaders,
		Env:     plugin.Env{Logger: c.logger, Sets: c.sets},
	})
	c.objects = cfgobj.NewManager(c.plugins, c.sets, c.logger)
	c.dispatcher = dispatch.New(dispatch.Config{
		Logger:       c.logger,
		Plugins:      c.plugins,
		Objects:      c.objects,
		Contexts:     request.NewStore(cfg.ConfigBufLen, 0, c.logger),
		LevelVar:     c.levelVar,
		LogFile:      c.logFile,
		Version:      opts.Version,
		ConfigBufLen: cfg.ConfigBufLen,
		Exit:         c.requestExit,
	})

	if cfg.TCP.Port != 0 {
		var secret string
		if cfg.TCP.SecretFile != "" {
			s, err := rpc.LoadSecret(cfg.TCP.SecretFile)
			if err != nil {
				c.closeLog()
				return nil, err
			}
			secret = s
		}
		c.auth = rpc.NewAuthenticator(secret, rpc.AuthConfig{
			FailureLimit:  cfg.TCP.AuthFailureLimit,
			FailureWindow: cfg.TCP.AuthFailureWindow,
			Lockout:       cfg.TCP.AuthLockout,
			Logger:        c.logger,
		})
	}
	return c, nil
}

// Logger returns the daemon logger.
func (c *Controller) Logger() *slog.Logger { return c.logger }

// Dispatcher returns the request dispatcher.
func (c *Controller) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// Plugins returns the plugin registry.
func (c *Controller) Plugins() *plugin.Registry { return c.plugins }

// Done is closed when an exit command has been processed.
func (c *Controller) Done() <-chan struct{} { return c.exitCh }

func (c *Controller) requestExit() {
	c.exitOnce.Do(func() { close(c.exitCh) })
}

// Start writes the PID file, replays the configuration files and serves
// the control listeners until ctx is done or an exit command arrives.
// A configuration file error is fatal. A listener that cannot be bound
// is logged and skipped unless no listener is left.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.PIDFile != "" {
		pf := lifecycle.NewPIDFile(c.cfg.PIDFile)
		if err := pf.Create(os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		c.pidFile = pf
	}

	for _, path := range c.cfg.ConfigFiles {
		line, err := c.dispatcher.ProcessFile(ctx, path)
		if err != nil {
			c.logger.Error("Error processing config file",
				slog.String(internallog.PathKey, path),
				slog.Int("line", line),
				internallog.Error(err))
			return err
		}
		c.logger.Info("config file processed", slog.String(internallog.PathKey, path), slog.Int("lines", line))
	}

	servers := c.openListeners()
	c.mu.Lock()
	c.servers = servers
	c.mu.Unlock()
	if len(servers) == 0 {
		return fmt.Errorf("no control listener could be started")
	}

	if c.auth != nil && c.cfg.TCP.SecretFile != "" && c.cfg.TCP.WatchSecret {
		if err := c.auth.WatchSecret(ctx, c.cfg.TCP.SecretFile); err != nil {
			c.logger.Warn("secret file watch disabled", internallog.Error(err))
		}
	}

	errCh := make(chan error, len(servers)+1)
	if c.cfg.MetricsAddr != "" {
		if err := c.startMetrics(errCh); err != nil {
			return err
		}
	}

	for _, srv := range servers {
		c.serving.Add(1)
		go func(srv *rpc.Server) {
			defer c.serving.Done()
			if err := srv.Serve(ctx); err != nil {
				errCh <- err
			}
		}(srv)
	}

	c.logger.Info("ldmsd started", slog.String("version", c.opts.Version))
	select {
	case <-ctx.Done():
		return nil
	case <-c.exitCh:
		c.logger.Info("exit requested")
		return nil
	case err := <-errCh:
		return err
	}
}

func (c *Controller) openListeners() []*rpc.Server {
	var servers []*rpc.Server
	bufLen := c.cfg.ConfigBufLen
	if !c.cfg.Socket.Disabled {
		path := c.cfg.Socket.FullPath()
		ln, err := listener.Unix(path)
		if err != nil {
			c.logger.Error("Unix control socket disabled", slog.String(internallog.PathKey, path), internallog.Error(err))
		} else {
			servers = append(servers, rpc.NewServer(rpc.ServerConfig{
				Name:         "unix",
				Listener:     ln,
				Dispatcher:   c.dispatcher,
				BufLen:       bufLen,
				MaxRecordLen: c.cfg.MaxRecordLen,
				Logger:       c.logger,
			}))
		}
	}

	if c.cfg.TCP.Port != 0 {
		addr := c.cfg.TCP.Address()
		if listener.IsRemoteAddr(addr) && !c.auth.Enabled() {
			c.logger.Warn("TCP control socket is reachable from the network without a secret", slog.String("addr", addr))
		}
		ln, err := listener.TCP(addr)
		if err != nil {
			c.logger.Error("TCP control socket disabled", slog.String("addr", addr), internallog.Error(err))
			return servers
		}
		servers = append(servers, rpc.NewServer(rpc.ServerConfig{
			Name:         "tcp",
			Listener:     ln,
			Dispatcher:   c.dispatcher,
			Auth:         c.auth,
			BufLen:       bufLen,
			MaxRecordLen: c.cfg.MaxRecordLen,
			Logger:       c.logger,
		}))
	}
	return servers
}

func (c *Controller) startMetrics(errCh chan<- error) error {
	ln, err := net.Listen("tcp", c.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics on %s: %w", c.cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(c.sets))
	c.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	c.logger.Info("metrics listener started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addrs returns the bound control listener addresses.
func (c *Controller) Addrs() []net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addrs []net.Addr
	for _, srv := range c.servers {
		addrs = append(addrs, srv.Addr())
	}
	return addrs
}

// Shutdown releases everything Start acquired. Only the first call does
// any work; later calls return the first call's result.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cleanupOnce.Do(func() {
		c.cleanupErr = c.cleanup(ctx)
	})
	return c.cleanupErr
}

func (c *Controller) cleanup(ctx context.Context) error {
	var errs []error

	c.mu.Lock()
	servers := c.servers
	c.mu.Unlock()
	for _, srv := range servers {
		if err := srv.Close(); err != nil {
			c.logger.Error("failed to close control listener", slog.String("addr", srv.Addr().String()), internallog.Error(err))
			errs = append(errs, err)
		}
	}
	c.serving.Wait()
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.auth != nil {
		c.auth.Close()
	}

	c.plugins.StopAll()
	c.objects.Shutdown()
	c.plugins.TermAll()

	if c.pidFile != nil {
		if err := c.pidFile.Remove(); err != nil {
			c.logger.Warn("failed to remove PID file", internallog.Error(err))
		}
	}
	c.logger.Info("ldmsd stopped")
	if err := c.closeLog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) closeLog() error {
	if c.logFile == nil {
		return nil
	}
	return c.logFile.Close()
}
