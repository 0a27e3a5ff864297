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

package request

import "sort"

// ID identifies a request verb on the wire. Negative values are never
// assigned and are treated as not supported.
type ID int32

// Request ids. Groups follow the object they act on.
const (
	IDGreeting ID = 0x1

	IDPrdcrAdd        ID = 0x100
	IDPrdcrDel        ID = 0x101
	IDPrdcrStart      ID = 0x102
	IDPrdcrStop       ID = 0x103
	IDPrdcrStatus     ID = 0x104
	IDPrdcrStartRegex ID = 0x105
	IDPrdcrStopRegex  ID = 0x106

	IDStrgpAdd       ID = 0x200
	IDStrgpDel       ID = 0x201
	IDStrgpStart     ID = 0x202
	IDStrgpStop      ID = 0x203
	IDStrgpPrdcrAdd  ID = 0x204
	IDStrgpPrdcrDel  ID = 0x205
	IDStrgpMetricAdd ID = 0x206
	IDStrgpMetricDel ID = 0x207
	IDStrgpStatus    ID = 0x208

	IDUpdtrAdd      ID = 0x300
	IDUpdtrDel      ID = 0x301
	IDUpdtrStart    ID = 0x302
	IDUpdtrStop     ID = 0x303
	IDUpdtrMatchAdd ID = 0x304
	IDUpdtrMatchDel ID = 0x305
	IDUpdtrPrdcrAdd ID = 0x306
	IDUpdtrPrdcrDel ID = 0x307
	IDUpdtrStatus   ID = 0x308

	IDPluginStart  ID = 0x500
	IDPluginStop   ID = 0x501
	IDPluginStatus ID = 0x502
	IDPluginLoad   ID = 0x503
	IDPluginTerm   ID = 0x504
	IDPluginConfig ID = 0x505
	IDPluginUsage  ID = 0x506

	IDSetUdata      ID = 0x600
	IDSetUdataRegex ID = 0x601
	IDLogLevel      ID = 0x602
	IDDaemonInfo    ID = 0x603
	IDVersion       ID = 0x604
	IDEnv           ID = 0x605
	IDInclude       ID = 0x606
	IDOneshot       ID = 0x607
	IDLogRotate     ID = 0x608
	IDExit          ID = 0x609
	IDFailover      ID = 0x60a

	IDNotSupported ID = 0x7fffffff
)

var verbs = map[string]ID{
	"greeting": IDGreeting,

	"prdcr_add":         IDPrdcrAdd,
	"prdcr_del":         IDPrdcrDel,
	"prdcr_start":       IDPrdcrStart,
	"prdcr_stop":        IDPrdcrStop,
	"prdcr_status":      IDPrdcrStatus,
	"prdcr_start_regex": IDPrdcrStartRegex,
	"prdcr_stop_regex":  IDPrdcrStopRegex,

	"strgp_add":        IDStrgpAdd,
	"strgp_del":        IDStrgpDel,
	"strgp_start":      IDStrgpStart,
	"strgp_stop":       IDStrgpStop,
	"strgp_prdcr_add":  IDStrgpPrdcrAdd,
	"strgp_prdcr_del":  IDStrgpPrdcrDel,
	"strgp_metric_add": IDStrgpMetricAdd,
	"strgp_metric_del": IDStrgpMetricDel,
	"strgp_status":     IDStrgpStatus,

	"updtr_add":       IDUpdtrAdd,
	"updtr_del":       IDUpdtrDel,
	"updtr_start":     IDUpdtrStart,
	"updtr_stop":      IDUpdtrStop,
	"updtr_match_add": IDUpdtrMatchAdd,
	"updtr_match_del": IDUpdtrMatchDel,
	"updtr_prdcr_add": IDUpdtrPrdcrAdd,
	"updtr_prdcr_del": IDUpdtrPrdcrDel,
	"updtr_status":    IDUpdtrStatus,

	"start":        IDPluginStart,
	"stop":         IDPluginStop,
	"plugn_status": IDPluginStatus,
	"load":         IDPluginLoad,
	"term":         IDPluginTerm,
	"config":       IDPluginConfig,
	"usage":        IDPluginUsage,

	"udata":       IDNotSupported,
	"udata_regex": IDNotSupported,
	"failover":    IDNotSupported,
	"loglevel":    IDLogLevel,
	"info":        IDDaemonInfo,
	"version":     IDVersion,
	"env":         IDEnv,
	"include":     IDInclude,
	"oneshot":     IDOneshot,
	"logrotate":   IDLogRotate,
	"exit":        IDExit,
}

var verbNames map[ID]string

func init() {
	verbNames = make(map[ID]string, len(verbs))
	for verb, id := range verbs {
		if id == IDNotSupported {
			continue
		}
		verbNames[id] = verb
	}
}

// LookupVerb maps a verb to its request id. Unknown verbs yield -1.
func LookupVerb(verb string) ID {
	id, ok := verbs[verb]
	if !ok {
		return -1
	}
	return id
}

// Supported reports whether id names an enabled request.
func (id ID) Supported() bool {
	if id < 0 || id == IDNotSupported {
		return false
	}
	_, ok := verbNames[id]
	return ok
}

// String returns the verb for id.
func (id ID) String() string {
	if verb, ok := verbNames[id]; ok {
		return verb
	}
	return "unknown"
}

// Verbs lists the enabled verbs in sorted order.
func Verbs() []string {
	out := make([]string, 0, len(verbNames))
	for _, verb := range verbNames {
		out = append(out, verb)
	}
	sort.Strings(out)
	return out
}

// AttrID identifies an attribute type.
type AttrID uint32

// Attribute ids. AttrString carries untyped values (folded options,
// bare keywords).
const (
	AttrName AttrID = iota + 1
	AttrInterval
	AttrOffset
	AttrRegex
	AttrType
	AttrProducer
	AttrInstance
	AttrXprt
	AttrHost
	AttrPort
	AttrMatch
	AttrPlugin
	AttrContainer
	AttrSchema
	AttrMetric
	AttrString
	AttrUdata
	AttrBase
	AttrIncrement
	AttrLevel
	AttrPath
	AttrTime
	AttrVerbose
	AttrPush
)

var attrIDs = map[string]AttrID{
	"name":      AttrName,
	"interval":  AttrInterval,
	"offset":    AttrOffset,
	"regex":     AttrRegex,
	"type":      AttrType,
	"producer":  AttrProducer,
	"instance":  AttrInstance,
	"xprt":      AttrXprt,
	"host":      AttrHost,
	"port":      AttrPort,
	"match":     AttrMatch,
	"plugin":    AttrPlugin,
	"container": AttrContainer,
	"schema":    AttrSchema,
	"metric":    AttrMetric,
	"string":    AttrString,
	"udata":     AttrUdata,
	"base":      AttrBase,
	"incr":      AttrIncrement,
	"level":     AttrLevel,
	"path":      AttrPath,
	"time":      AttrTime,
	"verbose":   AttrVerbose,
	"push":      AttrPush,
}

var attrNames map[AttrID]string

func init() {
	attrNames = make(map[AttrID]string, len(attrIDs))
	for name, id := range attrIDs {
		attrNames[id] = name
	}
}

// LookupAttr maps an attribute name to its id.
func LookupAttr(name string) (AttrID, bool) {
	id, ok := attrIDs[name]
	return id, ok
}

// String returns the attribute name.
func (id AttrID) String() string {
	if name, ok := attrNames[id]; ok {
		return name
	}
	return "unknown"
}
