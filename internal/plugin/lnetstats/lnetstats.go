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

// Package lnetstats implements the lnet_stats sampler, which publishes
// the Lustre LNET counters from /proc/sys/lnet/stats.
package lnetstats

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

// Name is the plugin name.
const Name = "lnet_stats"

// DefaultProcFile is read when no file= option is given.
const DefaultProcFile = "/proc/sys/lnet/stats"

// StatNames are the counters in the order the kernel prints them.
var StatNames = []string{
	"msgs_alloc",
	"msgs_max",
	"errors",
	"send_count",
	"recv_count",
	"route_count",
	"drop_count",
	"send_length",
	"recv_length",
	"route_length",
	"drop_length",
}

// baseMetrics precede the counters in every set.
var baseMetrics = []string{"component_id", "job_id"}

func init() {
	plugin.Register(Name, New)
}

// Sampler is the lnet_stats plugin.
type Sampler struct {
	logger *slog.Logger
	sets   *metricset.Registry
	now    func() time.Time

	mu          sync.Mutex
	procFile    string
	set         *metricset.Set
	componentID uint64
	parseErrs   int
}

// New is the plugin factory.
func New(env plugin.Env) plugin.Plugin {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{
		logger: logger,
		sets:   env.Sets,
		now:    time.Now,
	}
}

// Name implements plugin.Plugin.
func (s *Sampler) Name() string { return Name }

// Type implements plugin.Plugin.
func (s *Sampler) Type() plugin.Type { return plugin.TypeSampler }

// Usage implements plugin.Plugin.
func (s *Sampler) Usage() string {
	return "config name=" + Name + " [file=<proc_name>] producer=<prod_name> instance=<inst_name> [component_id=<compid>] [schema=<sname>]\n" +
		"    <prod_name>  The producer name\n" +
		"    <inst_name>  The instance name\n" +
		"    <compid>     Optional unique number identifier. Defaults to zero.\n" +
		"    <sname>      Optional schema name. Defaults to '" + Name + "'\n" +
		"    <proc_name>  The lnet proc file name if not " + DefaultProcFile + "\n"
}

// Configure creates the metric set. A sampler can be configured once.
func (s *Sampler) Configure(_ context.Context, avl request.AVList) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set != nil {
		return ldmsderrors.Status(unix.EINVAL, "%s: Set already created.", Name)
	}
	if _, ok := avl.Lookup("set"); ok {
		return ldmsderrors.Status(unix.EINVAL, "%s: config argument set is obsolete.", Name)
	}
	if s.sets == nil {
		return ldmsderrors.Status(unix.EINVAL, "%s: no metric set registry", Name)
	}

	producer := avl.Value("producer")
	if producer == "" {
		return ldmsderrors.Status(unix.EINVAL, "%s: config requires producer=", Name)
	}
	instance := avl.Value("instance")
	if instance == "" {
		return ldmsderrors.Status(unix.EINVAL, "%s: config requires instance=", Name)
	}
	schema := avl.Value("schema")
	if schema == "" {
		schema = Name
	}
	var compID uint64
	if v := avl.Value("component_id"); v != "" {
		id, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return ldmsderrors.Status(unix.EINVAL, "%s: invalid component_id '%s'", Name, v)
		}
		compID = id
	}

	procFile := avl.Value("file")
	if procFile == "" {
		procFile = DefaultProcFile
	}
	if _, err := ReadStats(procFile); err != nil {
		return ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err),
			"Could not parse the %s file '%s'", Name, procFile)
	}

	names := append(append([]string{}, baseMetrics...), StatNames...)
	set, err := s.sets.Create(instance, schema, producer, names)
	if err != nil {
		return ldmsderrors.WrapStatus(err, unix.EEXIST, "%s: failed to create a metric set: %v", Name, err)
	}

	s.procFile = procFile
	s.componentID = compID
	s.set = set
	s.logger.Info("metric set created",
		slog.String("instance", instance),
		slog.String("schema", schema),
		slog.String("file", procFile))
	return nil
}

// Sample reads the stats file into the set.
func (s *Sampler) Sample(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set == nil {
		return ldmsderrors.Status(unix.EINVAL, "%s: plugin not initialized", Name)
	}

	s.set.BeginTransaction()
	defer func() { s.set.EndTransaction(s.now()) }()

	s.set.SetU64(0, s.componentID)
	vals, err := ReadStats(s.procFile)
	if err != nil {
		if s.parseErrs < 2 {
			s.logger.Error("could not parse stats file",
				slog.String("file", s.procFile),
				slog.Any("error", err))
		}
		s.parseErrs++
		return err
	}
	for i, v := range vals {
		s.set.SetU64(len(baseMetrics)+i, v)
	}
	return nil
}

// Term deletes the metric set.
func (s *Sampler) Term() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set == nil {
		return nil
	}
	err := s.sets.Delete(s.set.Instance())
	s.set = nil
	return err
}

// ReadStats parses the first line of path into the eleven LNET counters.
func ReadStats(path string) ([]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, ldmsderrors.Status(unix.EIO, "%s: empty", path)
	}

	fields := strings.Fields(sc.Text())
	if len(fields) < len(StatNames) {
		return nil, ldmsderrors.Status(unix.EIO, "%s: expected %d fields, found %d", path, len(StatNames), len(fields))
	}
	vals := make([]uint64, len(StatNames))
	for i := range vals {
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil, ldmsderrors.WrapStatus(err, unix.EIO, "%s: field %s: %v", path, StatNames[i], err)
		}
		vals[i] = v
	}
	return vals, nil
}

// String describes the sampler's state for logs.
func (s *Sampler) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set == nil {
		return fmt.Sprintf("%s (unconfigured)", Name)
	}
	return fmt.Sprintf("%s %s <- %s", Name, s.set.Instance(), s.procFile)
}
