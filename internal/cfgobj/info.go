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
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

const rule = "========================================================================\n"

// WriteInfo renders the object tables. name selects one of "prdcr",
// "updtr" or "strgp"; an empty name renders all three.
func (m *Manager) WriteInfo(w io.Writer, name string) error {
	switch name {
	case "":
		m.writeProducers(w)
		m.writeUpdaters(w)
		m.writePolicies(w)
	case "prdcr":
		m.writeProducers(w)
	case "updtr":
		m.writeUpdaters(w)
	case "strgp":
		m.writePolicies(w)
	default:
		return ldmsderrors.Status(unix.EINVAL, "Invalid name '%s'. The choices are prdcr, updtr, strgp.", name)
	}
	return nil
}

func (m *Manager) writeProducers(w io.Writer) {
	fmt.Fprintf(w, "\n%s%s\n", rule, "Producers")
	fmt.Fprintf(w, "%-20s %-20s %-8s %-12s %s\n", "Name", "Host", "Port", "ConnIntrvl", "State")
	fmt.Fprintf(w, "-------------------- -------------------- ---------- ---------- ----------\n")
	for _, p := range m.Producers() {
		fmt.Fprintf(w, "%-20s %-20s %-8d %-12d %s\n",
			p.Name, p.Host, p.Port, p.Interval.Microseconds(), p.State)
	}
	fmt.Fprintf(w, "-------------------- -------------------- ---------- ---------- ----------\n")
}

func (m *Manager) writeUpdaters(w io.Writer) {
	prdcrs := make(map[string]Producer)
	for _, p := range m.Producers() {
		prdcrs[p.Name] = p
	}

	fmt.Fprintf(w, "\n%s%s\n", rule, "Updaters")
	fmt.Fprintf(w, "%-20s %-14s %-14s %s\n", "Name", "Update Intrvl", "Offset", "State")
	fmt.Fprintf(w, "-------------------- -------------- -------------- ----------\n")
	for _, u := range m.Updaters() {
		offset := "ASYNC"
		if u.Synchronous {
			offset = fmt.Sprintf("%d", u.Offset.Microseconds())
		}
		fmt.Fprintf(w, "%-20s %-14d %-14s %s\n", u.Name, u.Interval.Microseconds(), offset, u.State)

		fmt.Fprintf(w, "    Metric Set Match Specifications (empty == All)\n")
		fmt.Fprintf(w, "    %-10s %s\n", "Compare To", "Value")
		fmt.Fprintf(w, "    ----------------------------------------\n")
		for _, mt := range u.Matches {
			fmt.Fprintf(w, "    %-10s %s\n", mt.Selector, mt.Regex)
		}
		fmt.Fprintf(w, "    ----------------------------------------\n")

		fmt.Fprintf(w, "    Producers (empty == None)\n")
		fmt.Fprintf(w, "    %-10s %-10s %-10s %s\n", "Name", "Transport", "Host", "Port")
		fmt.Fprintf(w, "    ----------------------------------------\n")
		for _, name := range u.Producers {
			p, ok := prdcrs[name]
			if !ok {
				continue
			}
			fmt.Fprintf(w, "    %-10s %-10s %-10s %d\n", p.Name, p.Xprt, p.Host, p.Port)
		}
		fmt.Fprintf(w, "    ----------------------------------------\n")
	}
	fmt.Fprintf(w, "-------------------- -------------- ----------\n")
}

func (m *Manager) writePolicies(w io.Writer) {
	fmt.Fprintf(w, "\n%s%s\n", rule, "Storage Policies")
	fmt.Fprintf(w, "%-15s %-15s %-15s %-15s %-s\n", "Name", "Container", "Schema", "Back End", "State")
	fmt.Fprintf(w, "--------------- --------------- --------------- --------------- --------\n")
	for _, p := range m.Policies() {
		fmt.Fprintf(w, "%-15s %-15s %-15s %-15s %-8s\n", p.Name, p.Container, p.Schema, p.Plugin, p.State)

		fmt.Fprintf(w, "    Producer Match Specifications (empty == All)\n")
		fmt.Fprintf(w, "    %s\n", "Name")
		fmt.Fprintf(w, "    ----------------------------------------\n")
		for _, expr := range p.ProducerRegexes {
			fmt.Fprintf(w, "    %s\n", expr)
		}
		fmt.Fprintf(w, "    ----------------------------------------\n")

		fmt.Fprintf(w, "    Metrics (empty == All)\n")
		fmt.Fprintf(w, "    %s\n", "Name")
		fmt.Fprintf(w, "    ----------------------------------------\n")
		for _, name := range p.Metrics {
			fmt.Fprintf(w, "    %s\n", name)
		}
		fmt.Fprintf(w, "    ----------------------------------------\n")
	}
	fmt.Fprintf(w, "--------------- --------------- --------------- --------------- ---------------\n")
}
