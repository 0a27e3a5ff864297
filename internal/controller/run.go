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
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ovis-hpc/ldmsd/internal/config"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
)

// RunOptions configures daemon execution. Non-zero fields override the
// configuration file and environment.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	ConfigPath    string
	ConfigFiles   []string
	SocketPath    string
	TCPPort       int
	SecretFile    string
	PluginLibPath string
	LogLevel      string
	LogFile       string
	PIDFile       string
	MetricsAddr   string
}

func (o RunOptions) apply(cfg *config.Config) {
	cfg.ConfigFiles = append(cfg.ConfigFiles, o.ConfigFiles...)
	if o.SocketPath != "" {
		cfg.Socket.Path = o.SocketPath
	}
	if o.TCPPort != 0 {
		cfg.TCP.Port = o.TCPPort
	}
	if o.SecretFile != "" {
		cfg.TCP.SecretFile = o.SecretFile
	}
	if o.PluginLibPath != "" {
		cfg.PluginLibPath = o.PluginLibPath
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFile != "" {
		cfg.Log.File = o.LogFile
	}
	if o.PIDFile != "" {
		cfg.PIDFile = o.PIDFile
	}
	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}
}

// load reads the settings file named by ConfigPath, or the default one
// when none is named.
func (o RunOptions) load() (*config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

// Run starts the daemon and blocks until a signal, an exit command or a
// fatal error.
func Run(opts RunOptions) error {
	logger := internallog.New(internallog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := opts.load()
	if err != nil {
		logger.Error("Failed to load config", internallog.Error(err))
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	c, err := New(cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
	})
	if err != nil {
		logger.Error("Failed to create daemon", internallog.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigCh:
		c.Logger().Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
	case runErr = <-errCh:
		if runErr != nil {
			c.Logger().Error("Daemon error", internallog.Error(runErr))
			runErr = fmt.Errorf("daemon error: %w", runErr)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := c.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}

// ListUsage loads every available plugin (or only name), writes its usage
// to w and unloads it. Nothing is bound or started.
func ListUsage(w, errw io.Writer, opts RunOptions, name string) error {
	cfg, err := opts.load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	opts.apply(cfg)

	logger := internallog.New(&internallog.Config{Level: "error", Format: internallog.FormatText, Output: errw})
	dirs := cfg.LibPaths()
	reg := plugin.NewRegistry(plugin.RegistryConfig{
		Loaders: []plugin.Loader{plugin.Builtins(), &plugin.SharedObjectLoader{Paths: dirs}},
		Env:     plugin.Env{Logger: logger, Sets: metricset.NewRegistry()},
	})
	return reg.ListUsage(w, errw, dirs, name)
}
