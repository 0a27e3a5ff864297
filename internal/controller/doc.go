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

/*
Package controller assembles the ldmsd daemon.

A Controller owns the metric set registry, the plugin registry, the
producer/updater/storage policy manager and the request dispatcher, and
serves them on the control listeners.

# Startup

Start runs in this order:

  - the PID file is created, if configured
  - each configuration file is replayed through the dispatcher; the
    first failing line stops the daemon with its file and line number
  - the Unix control socket is bound (0600, stale socket removed)
  - the TCP control socket is bound when a port is configured, with the
    challenge handshake when a secret file is configured
  - the Prometheus /metrics endpoint is served when an address is set

A listener that cannot be bound is logged and skipped.

# Shutdown

An exit command closes Done after its reply is sent. Shutdown then
closes the listeners (removing the Unix socket), stops samplers and
storage policies, terminates every plugin, removes the PID file and
closes the log file. Shutdown is safe to call more than once.

# Subpackages

  - listener: Unix and TCP control socket creation
  - metrics: Prometheus counters for requests, connections and plugins
*/
package controller
