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

package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/cfgobj"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

type fakeSampler struct {
	name string
	cfg  request.AVList
}

func (f *fakeSampler) Name() string                 { return f.name }
func (f *fakeSampler) Type() plugin.Type            { return plugin.TypeSampler }
func (f *fakeSampler) Usage() string                { return "    config name=" + f.name + " a=<n>" }
func (f *fakeSampler) Term() error                  { return nil }
func (f *fakeSampler) Sample(context.Context) error { return nil }
func (f *fakeSampler) Configure(_ context.Context, avl request.AVList) error {
	f.cfg = avl
	return nil
}

type failingSampler struct {
	fakeSampler
	err error
}

func (f *failingSampler) Configure(context.Context, request.AVList) error { return f.err }

type fakeStore struct{ name string }

func (f *fakeStore) Name() string                                            { return f.name }
func (f *fakeStore) Type() plugin.Type                                       { return plugin.TypeStore }
func (f *fakeStore) Usage() string                                           { return "" }
func (f *fakeStore) Term() error                                             { return nil }
func (f *fakeStore) Configure(context.Context, request.AVList) error         { return nil }
func (f *fakeStore) Flush(context.Context) error                             { return nil }
func (f *fakeStore) Store(context.Context, string, metricset.Snapshot) error { return nil }

type fixture struct {
	d       *Dispatcher
	plugins *plugin.Registry
	sampler *fakeSampler
	level   *slog.LevelVar
	exits   atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{sampler: &fakeSampler{name: "fake"}, level: new(slog.LevelVar)}
	loader := plugin.NewBuiltinLoader()
	loader.Register("fake", func(plugin.Env) plugin.Plugin { return f.sampler })
	loader.Register("other", func(plugin.Env) plugin.Plugin { return &fakeSampler{name: "other"} })
	loader.Register("fakestore", func(plugin.Env) plugin.Plugin { return &fakeStore{name: "fakestore"} })
	loader.Register("eio", func(plugin.Env) plugin.Plugin {
		return &failingSampler{fakeSampler: fakeSampler{name: "eio"}, err: unix.EIO}
	})
	loader.Register("busy", func(plugin.Env) plugin.Plugin {
		return &failingSampler{fakeSampler: fakeSampler{name: "busy"}, err: ldmsderrors.Status(unix.EBUSY, "busy: device in use")}
	})

	sets := metricset.NewRegistry()
	logger := internallog.Discard()
	f.plugins = plugin.NewRegistry(plugin.RegistryConfig{
		Loaders: []plugin.Loader{loader},
		Env:     plugin.Env{Logger: logger, Sets: sets},
	})
	objects := cfgobj.NewManager(f.plugins, sets, logger)
	t.Cleanup(func() {
		objects.Shutdown()
		f.plugins.StopAll()
		f.plugins.TermAll()
	})

	f.d = New(Config{
		Logger:   logger,
		Plugins:  f.plugins,
		Objects:  objects,
		LevelVar: f.level,
		Version:  "4.3.0-test",
		Exit:     func() { f.exits.Add(1) },
	})
	return f
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestProcessLine(t *testing.T) {
	tests := []struct {
		name     string
		setup    []string
		line     string
		status   int
		contains string
	}{
		{name: "load", line: "load name=fake", status: 0},
		{name: "load twice", setup: []string{"load name=fake"}, line: "load name=fake", status: -int(unix.EEXIST), contains: "already loaded"},
		{name: "load unknown", line: "load name=nope", status: -int(unix.ENOENT)},
		{name: "load without name", line: "load", status: -int(unix.EINVAL), contains: "'name' is required"},
		{name: "unknown verb", line: "bogus x=1", status: -int(unix.ENOSYS)},
		{name: "disabled verb", line: "failover on", status: -int(unix.ENOSYS)},
		{name: "bad attribute", line: "load nosuchattr=1", status: -int(unix.EINVAL)},
		{name: "term unloaded", line: "term name=fake", status: -int(unix.ENOENT)},
		{name: "version", line: "version", status: 0, contains: "LDMSD Version: 4.3.0-test"},
		{name: "greeting", line: "greeting name=bob", status: 0, contains: "Hello 'bob'"},
		{name: "start", setup: []string{"load name=fake"}, line: "start name=fake interval=1000000 offset=0", status: 0},
		{name: "start bad interval", setup: []string{"load name=fake"}, line: "start name=fake interval=soon", status: -int(unix.EINVAL)},
		{name: "stop idle", setup: []string{"load name=fake"}, line: "stop name=fake", status: -int(unix.EBUSY)},
		{name: "oneshot past", setup: []string{"load name=fake"}, line: "oneshot name=fake time=1", status: -int(unix.EINVAL), contains: "passed"},
		{name: "usage", setup: []string{"load name=fake"}, line: "usage name=fake", status: 0, contains: "config name=fake"},
		{name: "usage unknown", line: "usage name=fake", status: -int(unix.ENOENT)},
		{name: "plugn_status", setup: []string{"load name=fake"}, line: "plugn_status", status: 0, contains: "builtin:fake"},
		{name: "loglevel invalid", line: "loglevel level=chatty", status: -int(unix.EINVAL)},
		{name: "logrotate without file", line: "logrotate", status: -int(unix.EINVAL)},
		{name: "info invalid name", line: "info name=sets", status: -int(unix.EINVAL), contains: "The choices are prdcr, updtr, strgp."},
		{name: "prdcr_add", line: "prdcr_add name=p1 host=h1 port=411 interval=2000000", status: 0},
		{name: "prdcr_add bad port", line: "prdcr_add name=p1 host=h1 port=x interval=1s", status: -int(unix.EINVAL)},
		{name: "prdcr_start unknown", line: "prdcr_start name=p9", status: -int(unix.ENOENT)},
		{name: "updtr_match_add bad selector", setup: []string{"updtr_add name=u1 interval=1s"}, line: "updtr_match_add name=u1 regex=.* match=host", status: -int(unix.EINVAL)},
		{name: "strgp_add sampler", setup: []string{"load name=fake"}, line: "strgp_add name=s1 plugin=fake container=c schema=s", status: -int(unix.EINVAL)},
		{name: "strgp_add", setup: []string{"load name=fakestore"}, line: "strgp_add name=s1 plugin=fakestore container=c schema=s", status: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			for _, line := range tt.setup {
				status, text := f.d.ProcessLine(ctx, line)
				require.Zero(t, status, "setup %q: %s", line, text)
			}

			status, text := f.d.ProcessLine(ctx, tt.line)
			assert.Equal(t, tt.status, status, text)
			if tt.status != 0 {
				assert.NotEmpty(t, text)
			}
			if tt.contains != "" {
				assert.Contains(t, text, tt.contains)
			}
			assert.Zero(t, f.d.Contexts().Len())
		})
	}
}

func TestConfigFolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, text := f.d.ProcessLine(ctx, "load name=fake")
	require.Zero(t, status, text)
	status, text = f.d.ProcessLine(ctx, "config name=fake a=1 b=two verbose")
	require.Zero(t, status, text)

	assert.Equal(t, "1", f.sampler.cfg.Value("a"))
	assert.Equal(t, "two", f.sampler.cfg.Value("b"))
	assert.True(t, f.sampler.cfg.HasKeyword("verbose"))
}

func TestConfigKeepsPluginStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		contains string
	}{
		{name: "eio", status: -int(unix.EIO), contains: "Plugin 'eio' configuration error"},
		{name: "busy", status: -int(unix.EBUSY), contains: "busy: device in use"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			status, text := f.d.ProcessLine(ctx, "load name="+tt.name)
			require.Zero(t, status, text)

			status, text = f.d.ProcessLine(ctx, "config name="+tt.name+" file=/x")
			assert.Equal(t, tt.status, status)
			assert.Contains(t, text, tt.contains)
		})
	}
}

func TestPluginLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, line := range []string{
		"load name=fakestore",
		"strgp_add name=s1 plugin=fakestore container=c schema=s",
	} {
		status, text := f.d.ProcessLine(ctx, line)
		require.Zero(t, status, text)
	}

	status, text := f.d.ProcessLine(ctx, "term name=fakestore")
	assert.Equal(t, -int(unix.EBUSY), status)
	assert.Contains(t, text, "active users")

	status, _ = f.d.ProcessLine(ctx, "strgp_del name=s1")
	require.Zero(t, status)
	status, _ = f.d.ProcessLine(ctx, "term name=fakestore")
	assert.Zero(t, status)
}

func TestObjectInfo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, line := range []string{
		"prdcr_add name=p1 host=h1 port=411 interval=1s",
		"prdcr_start name=p1",
		"updtr_add name=u1 interval=1000000 offset=100000",
		"updtr_prdcr_add name=u1 regex=^p",
		"updtr_match_add name=u1 regex=meminfo match=schema",
	} {
		status, text := f.d.ProcessLine(ctx, line)
		require.Zero(t, status, "%s: %s", line, text)
	}

	status, text := f.d.ProcessLine(ctx, "info")
	require.Zero(t, status, text)
	assert.Contains(t, text, "Producers")
	assert.Contains(t, text, "p1")
	assert.Contains(t, text, "DISCONNECTED")
	assert.Contains(t, text, "u1")

	status, _ = f.d.ProcessLine(ctx, "prdcr_del name=p1")
	assert.Equal(t, -int(unix.EBUSY), status)

	status, text = f.d.ProcessLine(ctx, "prdcr_status name=p2")
	assert.Equal(t, -int(unix.ENOENT), status)
	assert.Contains(t, text, "does not exist")
}

func TestLogLevel(t *testing.T) {
	f := newFixture(t)
	status, text := f.d.ProcessLine(context.Background(), "loglevel level=debug")
	require.Zero(t, status, text)
	assert.Equal(t, slog.LevelDebug, f.level.Level())
}

func TestEnvPartialFailure(t *testing.T) {
	f := newFixture(t)
	t.Setenv("LDMSD_DISPATCH_A", "")
	t.Setenv("LDMSD_DISPATCH_B", "")

	status, _ := f.d.ProcessLine(context.Background(), "env LDMSD_DISPATCH_A=1 broken LDMSD_DISPATCH_B=2")
	assert.Equal(t, -int(unix.EINVAL), status)
	assert.Equal(t, "1", os.Getenv("LDMSD_DISPATCH_A"))
	assert.Equal(t, "", os.Getenv("LDMSD_DISPATCH_B"))
}

func TestExitFiresAfterReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reqc, err := f.d.Contexts().Alloc(request.Key{MsgNo: 7, ConnID: 1})
	require.NoError(t, err)
	defer f.d.Contexts().Free(reqc)

	id, err := request.EncodeLine("exit", reqc.Req)
	require.NoError(t, err)
	reqc.Header = request.Header{Marker: request.RecordMarker, Type: request.TypeRequest, Flags: request.FlagSOM | request.FlagEOM, MsgNo: 7, Code: int32(id)}

	var exitsAtReply int32 = -1
	var reply string
	reqc.Responder = request.ResponderFunc(func(_ context.Context, c *request.Context, status int) error {
		exitsAtReply = f.exits.Load()
		reply = c.Reply.String()
		return nil
	})

	assert.Zero(t, f.d.Dispatch(ctx, reqc))
	assert.Equal(t, int32(0), exitsAtReply)
	assert.Contains(t, reply, "cleanup request received.")
	assert.Equal(t, int32(1), f.exits.Load())
	assert.True(t, f.d.ExitRequested())

	status, _ := f.d.ProcessLine(ctx, "exit")
	assert.Zero(t, status)
	assert.Equal(t, int32(1), f.exits.Load())
}

func TestDispatchUnsupportedCode(t *testing.T) {
	f := newFixture(t)
	reqc, err := f.d.Contexts().Alloc(request.Key{MsgNo: 1, ConnID: 3})
	require.NoError(t, err)
	defer f.d.Contexts().Free(reqc)

	reqc.Req.End()
	reqc.Header = request.Header{Marker: request.RecordMarker, Type: request.TypeRequest, Code: int32(request.IDNotSupported)}
	var got string
	reqc.Responder = request.ResponderFunc(func(_ context.Context, c *request.Context, _ int) error {
		got = c.Reply.String()
		return nil
	})

	assert.Equal(t, -int(unix.ENOSYS), f.d.Dispatch(context.Background(), reqc))
	assert.Equal(t, "The request is not supported.", got)
}

func TestProcessFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "ok.conf", "# sampler\nload name=fake\n\nconfig name=fake \\\n  a=1 \\\n  b=2\nstart name=fake interval=1s\n")

	line, err := f.d.ProcessFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 7, line)

	h, ok := f.plugins.Lookup("fake")
	require.True(t, ok)
	assert.True(t, h.Running())
	assert.Equal(t, "2", f.sampler.cfg.Value("b"))
}

func TestProcessFileContinuationEquivalence(t *testing.T) {
	joined := newFixture(t)
	split := newFixture(t)
	dir := t.TempDir()

	status, text := joined.d.ProcessLine(context.Background(), "config name=fake a=1 b=2")
	assert.Equal(t, -int(unix.ENOENT), status, text)

	path := writeFile(t, dir, "split.conf", "config name=fake \\\na=1 \\\nb=2\n")
	line, err := split.d.ProcessFile(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, 3, line)
	assert.Equal(t, unix.ENOENT, ldmsderrors.Errno(err))
	assert.Contains(t, err.Error(), text)
}

func TestProcessFileIncludeStopsAtFailure(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	inner := writeFile(t, dir, "inner.conf", "config name=fake a=1\nbogus x=1\nload name=fakestore\n")
	outer := writeFile(t, dir, "outer.conf", "load name=fake\ninclude "+inner+"\nload name=other\n")

	line, err := f.d.ProcessFile(context.Background(), outer)
	require.Error(t, err)
	assert.Equal(t, 2, line)
	assert.Equal(t, unix.ENOSYS, ldmsderrors.Errno(err))
	assert.Contains(t, err.Error(), "line 2")

	var lerr *ldmsderrors.LineError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, outer, lerr.Path)

	_, loaded := f.plugins.Lookup("fakestore")
	assert.False(t, loaded)
	_, loaded = f.plugins.Lookup("other")
	assert.False(t, loaded)
	assert.Equal(t, "1", f.sampler.cfg.Value("a"))
}

func TestProcessFileIncludeDepth(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	self := filepath.Join(dir, "self.conf")
	writeFile(t, dir, "self.conf", "include path="+self+"\n")

	_, err := f.d.ProcessFile(context.Background(), self)
	require.Error(t, err)
	assert.Equal(t, unix.ELOOP, ldmsderrors.Errno(err))
}

func TestProcessFileMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.ProcessFile(context.Background(), filepath.Join(t.TempDir(), "none.conf"))
	require.Error(t, err)
	assert.Equal(t, unix.ENOENT, ldmsderrors.Errno(err))
}

func TestOneshotNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	status, _ := f.d.ProcessLine(ctx, "load name=fake")
	require.Zero(t, status)

	future := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	status, text := f.d.ProcessLine(ctx, "oneshot name=fake time="+future)
	assert.Zero(t, status, text)
	status, text = f.d.ProcessLine(ctx, "oneshot name=fake time=now")
	assert.Zero(t, status, text)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1000000", want: time.Second},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "0", want: 0},
		{in: "-5", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseInterval(request.AttrInterval, tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, unix.EINVAL, ldmsderrors.Errno(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
