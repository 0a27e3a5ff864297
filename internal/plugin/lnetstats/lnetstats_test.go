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

package lnetstats

import (
	"context"
	"os"
	"path/filepath"
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

const sampleStats = "3 120 0 4410 4409 0 0 883200 882944 0 0\n"

func writeStats(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newSampler(sets *metricset.Registry) *Sampler {
	return New(plugin.Env{Logger: internallog.Discard(), Sets: sets}).(*Sampler)
}

func TestReadStats(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []uint64
		wantErr bool
	}{
		{
			name:    "kernel format",
			content: sampleStats,
			want:    []uint64{3, 120, 0, 4410, 4409, 0, 0, 883200, 882944, 0, 0},
		},
		{
			name:    "extra fields ignored",
			content: "1 2 3 4 5 6 7 8 9 10 11 12\n",
			want:    []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		},
		{
			name:    "too few fields",
			content: "1 2 3\n",
			wantErr: true,
		},
		{
			name:    "garbage",
			content: "a b c d e f g h i j k\n",
			wantErr: true,
		},
		{
			name:    "empty",
			content: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadStats(writeStats(t, tt.content))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, unix.EIO)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigureAndSample(t *testing.T) {
	sets := metricset.NewRegistry()
	s := newSampler(sets)
	path := writeStats(t, sampleStats)

	avl := request.ParseAVList("file=" + path + " producer=node1 instance=node1/lnet component_id=7")
	require.NoError(t, s.Configure(context.Background(), avl))

	set := sets.Get("node1/lnet")
	require.NotNil(t, set)
	assert.Equal(t, Name, set.Schema())
	assert.Equal(t, len(baseMetrics)+len(StatNames), set.Card())

	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }
	require.NoError(t, s.Sample(context.Background()))

	snap := set.Snapshot()
	assert.Equal(t, fixed, snap.Timestamp)
	assert.Equal(t, uint64(7), set.U64(set.MetricIndex("component_id")))
	assert.Equal(t, uint64(4410), set.U64(set.MetricIndex("send_count")))
	assert.Equal(t, uint64(882944), set.U64(set.MetricIndex("recv_length")))

	require.NoError(t, s.Term())
	assert.Nil(t, sets.Get("node1/lnet"))
}

func TestConfigureErrors(t *testing.T) {
	path := writeStats(t, sampleStats)

	tests := []struct {
		name  string
		avl   string
		errno unix.Errno
		msg   string
	}{
		{"obsolete set", "set=foo producer=p instance=i file=" + path, unix.EINVAL, "obsolete"},
		{"missing producer", "instance=i file=" + path, unix.EINVAL, "producer"},
		{"missing instance", "producer=p file=" + path, unix.EINVAL, "instance"},
		{"bad component id", "producer=p instance=i component_id=x file=" + path, unix.EINVAL, "component_id"},
		{"missing file", "producer=p instance=i file=/nonexistent/stats", unix.ENOENT, "Could not parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSampler(metricset.NewRegistry())
			err := s.Configure(context.Background(), request.ParseAVList(tt.avl))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.errno)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestConfigureTwice(t *testing.T) {
	s := newSampler(metricset.NewRegistry())
	avl := request.ParseAVList("producer=p instance=i file=" + writeStats(t, sampleStats))
	require.NoError(t, s.Configure(context.Background(), avl))

	err := s.Configure(context.Background(), avl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Set already created")
}

func TestSampleUnconfigured(t *testing.T) {
	s := newSampler(metricset.NewRegistry())
	assert.ErrorIs(t, s.Sample(context.Background()), unix.EINVAL)
}

func TestSampleParseErrorLeavesSetConsistent(t *testing.T) {
	sets := metricset.NewRegistry()
	s := newSampler(sets)
	path := writeStats(t, sampleStats)
	require.NoError(t, s.Configure(context.Background(), request.ParseAVList("producer=p instance=i file="+path)))

	require.NoError(t, os.WriteFile(path, []byte("broken\n"), 0644))
	assert.Error(t, s.Sample(context.Background()))
	assert.True(t, sets.Get("i").Consistent())
}

func TestRegisteredAsBuiltin(t *testing.T) {
	assert.Contains(t, plugin.Builtins().Names(), Name)
}
