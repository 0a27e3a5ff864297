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
Package client talks to a running ldmsd over its control socket.

Each command is a configuration line, the same text accepted in a
configuration file. The client encodes it as a request record, splits it
into fragments when it exceeds the record size, and reassembles the reply.

# Basic Usage

	c, err := client.Dial(ctx, client.WithSocketPath("/var/run/ldmsd/metric_socket"))
	if err != nil {
	    log.Fatal(err)
	}
	defer c.Close()

	reply, err := c.Send(ctx, "prdcr_status")
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(reply.Code, reply.Message)

A transport error is returned as err. A command the daemon rejects comes
back as a Reply with a negative errno in Code; Reply.Err turns it into an
error.

# TCP

The TCP listener sends an 8-byte challenge first. When it is non-zero the
client answers with the keyed digest of the shared secret and waits for
the daemon's verdict:

	c, err := client.Dial(ctx,
	    client.WithTCPAddr("node1:10001"),
	    client.WithSecret(secret))

# Environment

LDMSCTL_HOST selects the address (unix:///path or tcp://host:port).
LDMSD_SECRET_FILE supplies the secret for TCP connections. LDMSD_SOCKPATH
moves the default socket directory.
*/
package client
