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

package cfgobj

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
)

type recordingStore struct {
	mu     sync.Mutex
	stored []metricset.Snapshot
	conts  []string
}

func (s *recordingStore) Name() string                                    { return "memstore" }
func (s *recordingStore) Type() plugin.Type                               { return plugin.TypeStore }
func (s *recordingStore) Usage() string                                   { return "" }
func (s *recordingStore) Term() error                                     { return nil }
func (s *recordingStore) Configure(context.Context, request.AVList) error { return nil }
func (s *recordingStore) Flush(context.Context) error                     { return nil }

func (s *recordingStore) Store(_ context.Context, container string, snap metricset.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, snap)
	s.conts = append(s.conts, container)
	return nil
}

func (s *recordingStore) snapshots() []metricset.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]metricset.Snapshot(nil), s.stored...)
}

type nopSampler struct{}

func (nopSampler) Name() string                                    { return "nop" }
func (nopSampler) Type() plugin.Type                               { return plugin.TypeSampler }
func (nopSampler) Usage() string                                   { return "" }
func (nopSampler) Term() error                                     { return nil }
func (nopSampler) Configure(context.Context, request.AVList) error { return nil }
func (nopSampler) Sample(context.Context) error                    { return nil }

type fixture struct {
	mgr     *Manager
	plugins *plugin.Registry
	sets    *metricset.Registry
	store   *recordingStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &recordingStore{}
	loader := plugin.NewBuiltinLoader()
	loader.Register("memstore", func(plugin.Env) plugin.Plugin { return store })
	loader.Register("nop", func(plugin.Env) plugin.Plugin { return nopSampler{} })

	sets := metricset.NewRegistry()
	plugins := plugin.NewRegistry(plugin.RegistryConfig{
		Loaders: []plugin.Loader{loader},
		Env:     plugin.Env{Logger: internallog.Discard(), Sets: sets},
	})
	require.NoError(t, plugins.Load("memstore"))
	require.NoError(t, plugins.Load("nop"))

	return &fixture{
		mgr:     NewManager(plugins, sets, internallog.Discard()),
		plugins: plugins,
		sets:    sets,
		store:   store,
	}
}

func TestProducerLifecycle(t *testing.T) {
	f := newFixture(t)
	m := f.mgr

	p := Producer{Name: "node1", Host: "node1.local", Port: 411, Interval: 20 * time.Second}
	require.NoError(t, m.AddProducer(p))
	assert.ErrorIs(t, m.AddProducer(p), unix.EEXIST)

	got, ok := m.Producer("node1")
	require.True(t, ok)
	assert.Equal(t, "sock", got.Xprt)
	assert.Equal(t, ProducerStopped, got.State)

	require.NoError(t, m.StartProducer("node1", 5*time.Second))
	got, _ = m.Producer("node1")
	assert.Equal(t, ProducerDisconnected, got.State)
	assert.Equal(t, 5*time.Second, got.Interval)

	assert.ErrorIs(t, m.StartProducer("node1", 0), unix.EBUSY)
	assert.ErrorIs(t, m.DelProducer("node1"), unix.EBUSY)

	require.NoError(t, m.StopProducer("node1"))
	assert.ErrorIs(t, m.StopProducer("node1"), unix.EBUSY)
	require.NoError(t, m.DelProducer("node1"))

	assert.ErrorIs(t, m.DelProducer("node1"), unix.ENOENT)
	assert.ErrorIs(t, m.StartProducer("node1", 0), unix.ENOENT)
}

func TestProducerRegex(t *testing.T) {
	m := newFixture(t).mgr
	for _, name := range []string{"node1", "node2", "login1"} {
		require.NoError(t, m.AddProducer(Producer{Name: name, Host: name, Port: 411, Interval: time.Second}))
	}

	started, err := m.StartProducerRegex("^node", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2"}, started)

	stopped, err := m.StopProducerRegex(".*")
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2"}, stopped)

	_, err = m.StartProducerRegex("(", 0)
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestUpdaterLifecycle(t *testing.T) {
	m := newFixture(t).mgr
	require.NoError(t, m.AddProducer(Producer{Name: "node1", Host: "h1", Port: 411, Interval: time.Second}))
	require.NoError(t, m.AddProducer(Producer{Name: "node2", Host: "h2", Port: 411, Interval: time.Second}))

	offset := 100 * time.Millisecond
	require.NoError(t, m.AddUpdater("all", time.Second, &offset))
	assert.ErrorIs(t, m.AddUpdater("all", time.Second, nil), unix.EEXIST)
	assert.ErrorIs(t, m.AddUpdater("bad", 0, nil), unix.EINVAL)

	added, err := m.UpdaterAddProducers("all", "node.*")
	require.NoError(t, err)
	assert.Equal(t, []string{"node1", "node2"}, added)

	added, err = m.UpdaterAddProducers("all", "node1")
	require.NoError(t, err)
	assert.Empty(t, added)

	require.NoError(t, m.UpdaterAddMatch("all", "^meminfo$", MatchSchema))

	// referenced producers cannot be deleted
	assert.ErrorIs(t, m.DelProducer("node1"), unix.EBUSY)

	require.NoError(t, m.StartUpdater("all", 0))
	assert.ErrorIs(t, m.UpdaterAddMatch("all", "x", MatchInstance), unix.EBUSY)
	assert.ErrorIs(t, m.DelUpdater("all"), unix.EBUSY)
	assert.ErrorIs(t, m.StartUpdater("all", 0), unix.EBUSY)

	u, ok := m.Updater("all")
	require.True(t, ok)
	assert.True(t, u.Synchronous)
	assert.Equal(t, UpdaterRunning, u.State)
	require.Len(t, u.Matches, 1)
	assert.True(t, u.Matches[0].Accepts("node1/meminfo", "meminfo"))
	assert.False(t, u.Matches[0].Accepts("node1/meminfo", "vmstat"))

	require.NoError(t, m.StopUpdater("all"))
	require.NoError(t, m.DelUpdater("all"))
	require.NoError(t, m.DelProducer("node1"))
}

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector("inst")
	require.NoError(t, err)
	assert.Equal(t, MatchInstance, sel)

	sel, err = ParseSelector("schema")
	require.NoError(t, err)
	assert.Equal(t, MatchSchema, sel)

	_, err = ParseSelector("metric")
	assert.ErrorIs(t, err, unix.EINVAL)
}

func TestPolicyReferencesPlugin(t *testing.T) {
	f := newFixture(t)
	m := f.mgr

	assert.ErrorIs(t, m.AddPolicy("p", "missing", "c", "s"), unix.ENOENT)
	assert.ErrorIs(t, m.AddPolicy("p", "nop", "c", "s"), unix.EINVAL)

	require.NoError(t, m.AddPolicy("p", "memstore", "lnet", "lnet_stats"))
	assert.ErrorIs(t, m.AddPolicy("p", "memstore", "lnet", "lnet_stats"), unix.EEXIST)

	assert.ErrorIs(t, f.plugins.Term("memstore"), unix.EBUSY)

	require.NoError(t, m.DelPolicy("p"))
	require.NoError(t, f.plugins.Term("memstore"))
}

func TestPolicyForwardsMatchingSets(t *testing.T) {
	f := newFixture(t)
	m := f.mgr

	require.NoError(t, m.AddPolicy("p", "memstore", "lnet", "lnet_stats"))
	require.NoError(t, m.PolicyAddProducer("p", "^node"))
	require.NoError(t, m.PolicyAddMetric("p", "send_count"))
	assert.ErrorIs(t, m.PolicyAddMetric("p", "send_count"), unix.EEXIST)
	require.NoError(t, m.StartPolicy("p"))

	assert.ErrorIs(t, m.PolicyAddMetric("p", "recv_count"), unix.EBUSY)
	assert.ErrorIs(t, m.DelPolicy("p"), unix.EBUSY)
	assert.ErrorIs(t, m.StartPolicy("p"), unix.EBUSY)

	match, err := f.sets.Create("node1/lnet", "lnet_stats", "node1", []string{"send_count", "recv_count"})
	require.NoError(t, err)
	otherSchema, err := f.sets.Create("node1/mem", "meminfo", "node1", []string{"free"})
	require.NoError(t, err)
	otherProducer, err := f.sets.Create("login1/lnet", "lnet_stats", "login1", []string{"send_count"})
	require.NoError(t, err)

	for _, s := range []*metricset.Set{match, otherSchema, otherProducer} {
		s.BeginTransaction()
		s.SetU64(0, 42)
		s.EndTransaction(time.Unix(100, 0))
	}

	stored := f.store.snapshots()
	require.Len(t, stored, 1)
	assert.Equal(t, "node1/lnet", stored[0].Instance)
	assert.Equal(t, []metricset.Metric{{Name: "send_count", Value: 42}}, stored[0].Metrics)
	assert.Equal(t, []string{"lnet"}, f.store.conts)

	require.NoError(t, m.StopPolicy("p"))
	assert.ErrorIs(t, m.StopPolicy("p"), unix.EBUSY)

	match.BeginTransaction()
	match.EndTransaction(time.Unix(101, 0))
	assert.Len(t, f.store.snapshots(), 1)
}

func TestShutdownReleasesPlugins(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.AddPolicy("p", "memstore", "c", "s"))
	require.NoError(t, f.mgr.StartPolicy("p"))

	f.mgr.Shutdown()
	assert.Empty(t, f.mgr.Policies())

	h, ok := f.plugins.Lookup("memstore")
	require.True(t, ok)
	assert.Equal(t, 0, h.Refs())
}

func TestWriteInfo(t *testing.T) {
	f := newFixture(t)
	m := f.mgr
	require.NoError(t, m.AddProducer(Producer{Name: "node1", Host: "h1", Port: 411, Interval: 2 * time.Second}))
	require.NoError(t, m.AddUpdater("u1", time.Second, nil))
	_, err := m.UpdaterAddProducers("u1", "node1")
	require.NoError(t, err)
	require.NoError(t, m.AddPolicy("p1", "memstore", "cont", "lnet_stats"))

	var buf bytes.Buffer
	require.NoError(t, m.WriteInfo(&buf, ""))
	out := buf.String()
	assert.Contains(t, out, "Producers\n")
	assert.Contains(t, out, "Updaters\n")
	assert.Contains(t, out, "Storage Policies\n")
	assert.Contains(t, out, "node1                h1                   411      2000000      STOPPED\n")
	assert.Contains(t, out, "u1                   1000000        ASYNC          STOPPED\n")
	assert.Contains(t, out, "    node1      sock       h1         411\n")
	assert.Contains(t, out, "p1              cont            lnet_stats      memstore        STOPPED \n")

	buf.Reset()
	require.NoError(t, m.WriteInfo(&buf, "prdcr"))
	assert.NotContains(t, buf.String(), "Updaters")

	err = m.WriteInfo(&buf, "bogus")
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.Contains(t, err.Error(), "The choices are prdcr, updtr, strgp.")
}

func TestDeleteSpecifications(t *testing.T) {
	f := newFixture(t)
	m := f.mgr
	require.NoError(t, m.AddProducer(Producer{Name: "node1", Host: "h1", Port: 411, Interval: time.Second}))
	require.NoError(t, m.AddUpdater("u", time.Second, nil))
	_, err := m.UpdaterAddProducers("u", "node1")
	require.NoError(t, err)
	require.NoError(t, m.UpdaterAddMatch("u", "lnet", MatchSchema))

	removed, err := m.UpdaterDelProducers("u", ".*")
	require.NoError(t, err)
	assert.Equal(t, []string{"node1"}, removed)
	require.NoError(t, m.UpdaterDelMatch("u", "lnet", MatchSchema))
	assert.ErrorIs(t, m.UpdaterDelMatch("u", "lnet", MatchSchema), unix.ENOENT)

	require.NoError(t, m.AddPolicy("p", "memstore", "c", "s"))
	require.NoError(t, m.PolicyAddProducer("p", "node1"))
	require.NoError(t, m.PolicyAddMetric("p", "m1"))
	require.NoError(t, m.PolicyDelProducer("p", "node1"))
	require.NoError(t, m.PolicyDelMetric("p", "m1"))
	assert.ErrorIs(t, m.PolicyDelMetric("p", "m1"), unix.ENOENT)

	p, ok := m.Policy("p")
	require.True(t, ok)
	assert.Empty(t, p.ProducerRegexes)
	assert.Empty(t, p.Metrics)
}
