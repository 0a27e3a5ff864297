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
Package rpc serves the daemon's control sockets.

A Server owns one listener, Unix-domain or TCP, and handles one
connection at a time. Each connection carries framed request records
which are reassembled by message number and handed to a
dispatch.Dispatcher; the reply is written back on the same connection.

# Wire format

Every record starts with a 24-byte big-endian header:

	marker  u32  0xffffffff
	type    u32  1 request, 2 reply
	flags   u32  1 SOM, 2 EOM
	msg_no  u32
	code    i32  request id, or the reply status
	rec_len u32  header plus body

A request body is a sequence of attributes closed by a zero
discriminator. A reply body carries the reply text as one string
attribute. Messages larger than a record are split into records that
share msg_no; the first has SOM set and the last EOM.

# Authentication

A TCP server greets each client with an 8-byte challenge. When no
secret is configured the challenge is zero and the client may send
requests immediately. Otherwise the client answers with
ChallengeResponse(secret, challenge), 64 hex characters, and the
server replies with a big-endian int32: 1 on approval, 0 before it
closes the connection. Repeated failures from one address lock it out
for a while.

# Failure handling

A failed Accept is logged and retried. A short or malformed read ends
that connection only; requests still being reassembled are discarded.
*/
package rpc
