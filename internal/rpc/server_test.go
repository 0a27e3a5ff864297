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

package rpc

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/cfgobj"
	"github.com/ovis-hpc/ldmsd/internal/dispatch"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	"github.com/ovis-hpc/ldmsd/internal/metricset"
	"github.com/ovis-hpc/ldmsd/internal/plugin"
	"github.com/ovis-hpc/ldmsd/internal/request"
)

type testServer struct {
	srv     *Server
	d       *dispatch.Dispatcher
	greeted atomic.Int32
	done    chan error
}

func newTestDispatcher(t *testing.T, exit func()) *dispatch.Dispatcher {
	t.Helper()
	logger := internallog.Discard()
	sets := metricset.NewRegistry()
	plugins := plugin.NewRegistry(plugin.RegistryConfig{
		Loaders: []plugin.Loader{plugin.NewBuiltinLoader()},
		Env:     plugin.Env{Logger: logger, Sets: sets},
	})
	return dispatch.New(dispatch.Config{
		Logger:   logger,
		Plugins:  plugins,
		Objects:  cfgobj.NewManager(plugins, sets, logger),
		Contexts: request.NewStore(0, 0, nil),
		Version:  "test",
		Exit:     exit,
	})
}

func startServer(t *testing.T, ln net.Listener, auth *Authenticator, exit func()) *testServer {
	t.Helper()
	return startServerConfig(t, ServerConfig{Listener: ln, Auth: auth, BufLen: 256}, exit)
}

func startServerConfig(t *testing.T, cfg ServerConfig, exit func()) *testServer {
	t.Helper()
	ts := &testServer{d: newTestDispatcher(t, exit), done: make(chan error, 1)}
	ts.d.Handlers().Register(request.IDGreeting, func(_ context.Context, reqc *request.Context, _ *request.Request) error {
		ts.greeted.Add(1)
		reqc.Reply.Printf("hello")
		return nil
	})
	cfg.Dispatcher = ts.d
	cfg.Logger = internallog.Discard()
	ts.srv = NewServer(cfg)
	go func() { ts.done <- ts.srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		ts.srv.Close()
		<-ts.done
	})
	return ts
}

func unixListener(t *testing.T) (net.Listener, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ldmsd-rpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	return ln, path
}

func tcpListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func encodeRequest(t *testing.T, msgNo uint32, line string, maxRec int) [][]byte {
	t.Helper()
	b := request.NewBuilder(64)
	id, err := request.EncodeLine(line, b)
	require.NoError(t, err)
	hdr := request.Header{Type: request.TypeRequest, MsgNo: msgNo, Code: int32(id)}
	return request.Fragment(hdr, b.Bytes(), maxRec)
}

func send(t *testing.T, conn net.Conn, records [][]byte) {
	t.Helper()
	for _, rec := range records {
		_, err := conn.Write(rec)
		require.NoError(t, err)
	}
}

func readReply(t *testing.T, conn net.Conn) (request.Header, string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	rr := request.NewRecordReader(conn, 64, 0)
	var body []byte
	for {
		hdr, part, err := rr.Next()
		require.NoError(t, err)
		require.Equal(t, request.TypeReply, hdr.Type)
		body = append(body, part...)
		if hdr.EOM() {
			text, err := request.ReplyText(body)
			require.NoError(t, err)
			return hdr, text
		}
	}
}

func roundTrip(t *testing.T, conn net.Conn, msgNo uint32, line string) (int32, string) {
	t.Helper()
	send(t, conn, encodeRequest(t, msgNo, line, 1024))
	hdr, text := readReply(t, conn)
	assert.Equal(t, msgNo, hdr.MsgNo)
	return hdr.Code, text
}

func TestServer_UnixRoundTrip(t *testing.T) {
	ln, path := unixListener(t)
	ts := startServer(t, ln, nil, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	code, text := roundTrip(t, conn, 1, "version")
	assert.Zero(t, code)
	assert.Equal(t, "LDMSD Version: test", text)

	code, text = roundTrip(t, conn, 2, "load name=missing")
	assert.Equal(t, -int32(unix.ENOENT), code)
	assert.Contains(t, text, "missing")

	code, _ = roundTrip(t, conn, 3, "greeting")
	assert.Zero(t, code)
	assert.Equal(t, int32(1), ts.greeted.Load())
}

func TestServer_FragmentedRequest(t *testing.T) {
	ln, path := unixListener(t)
	startServer(t, ln, nil, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	line := "prdcr_add name=a-rather-long-producer-name-to-force-fragments host=node0001.cluster.example.org port=10001 interval=1000000"
	records := encodeRequest(t, 9, line, request.HeaderSize+16)
	require.Greater(t, len(records), 2)
	send(t, conn, records)

	hdr, text := readReply(t, conn)
	assert.Zero(t, hdr.Code, text)
	assert.Equal(t, uint32(9), hdr.MsgNo)

	code, text := roundTrip(t, conn, 10, "prdcr_status")
	assert.Zero(t, code)
	assert.Contains(t, text, "a-rather-long-producer-name-to-force-fragments")
}

func TestServer_LargeReplyIsFragmented(t *testing.T) {
	ln, path := unixListener(t)
	ts := startServer(t, ln, nil, nil)
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	ts.d.Handlers().Register(request.IDVersion, func(_ context.Context, reqc *request.Context, _ *request.Request) error {
		reqc.Reply.Write(big)
		return nil
	})

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	code, text := roundTrip(t, conn, 1, "version")
	assert.Zero(t, code)
	assert.Equal(t, string(big), text)
}

func TestServer_OrphanContinuation(t *testing.T) {
	ln, path := unixListener(t)
	startServer(t, ln, nil, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	records := encodeRequest(t, 5, "version", 1024)
	raw := records[0]
	binary.BigEndian.PutUint32(raw[8:], uint32(request.FlagEOM))
	send(t, conn, [][]byte{raw})

	hdr, text := readReply(t, conn)
	assert.Equal(t, -int32(unix.EINVAL), hdr.Code)
	assert.NotEmpty(t, text)

	code, _ := roundTrip(t, conn, 6, "version")
	assert.Zero(t, code)
}

func TestServer_OversizeRecord(t *testing.T) {
	ln, path := unixListener(t)
	startServerConfig(t, ServerConfig{Listener: ln, BufLen: 256, MaxRecordLen: 128}, nil)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	line := "prdcr_add name=" + strings.Repeat("p", 200) + " host=node1 port=10001 interval=1s"
	records := encodeRequest(t, 3, line, 1024)
	require.Len(t, records, 1)
	send(t, conn, records)

	hdr, text := readReply(t, conn)
	assert.Equal(t, uint32(3), hdr.MsgNo)
	assert.Equal(t, -int32(unix.E2BIG), hdr.Code)
	assert.Contains(t, text, "record too large")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "connection should be closed after an oversize record")

	conn2, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn2.Close()
	code, _ := roundTrip(t, conn2, 1, "version")
	assert.Zero(t, code)
}

func TestServer_PartialReadKeepsListener(t *testing.T) {
	ln, path := unixListener(t)
	ts := startServer(t, ln, nil, nil)

	// Half a header, then hang up.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	rec := encodeRequest(t, 1, "greeting", 1024)[0]
	_, err = conn.Write(rec[:10])
	require.NoError(t, err)
	conn.Close()

	// A full header with a truncated body, then hang up.
	conn, err = net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write(rec[:len(rec)-3])
	require.NoError(t, err)
	conn.Close()

	conn, err = net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()
	code, _ := roundTrip(t, conn, 2, "version")
	assert.Zero(t, code)
	assert.Zero(t, ts.greeted.Load())
	assert.Eventually(t, func() bool { return ts.d.Contexts().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_TCPNoSecret(t *testing.T) {
	auth := newTestAuthenticator("")
	defer auth.Close()
	ln := tcpListener(t)
	startServer(t, ln, auth, nil)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	greeting := make([]byte, ChallengeSize)
	_, err = io.ReadFull(conn, greeting)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, ChallengeSize), greeting)

	code, _ := roundTrip(t, conn, 1, "version")
	assert.Zero(t, code)
}

func TestServer_TCPChallenge(t *testing.T) {
	auth := newTestAuthenticator(testSecret)
	defer auth.Close()
	ln := tcpListener(t)
	ts := startServer(t, ln, auth, nil)

	dial := func(secret string, pipeline bool) (net.Conn, int32) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		buf := make([]byte, ChallengeSize)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		c, err := ParseChallenge(buf)
		require.NoError(t, err)
		require.False(t, c.IsZero())

		send(t, conn, [][]byte{[]byte(ChallengeResponse(secret, c))})
		if pipeline {
			send(t, conn, encodeRequest(t, 1, "greeting", 1024))
		}

		var verdict [4]byte
		_, err = io.ReadFull(conn, verdict[:])
		require.NoError(t, err)
		return conn, int32(binary.BigEndian.Uint32(verdict[:]))
	}

	t.Run("wrong secret never reaches the dispatcher", func(t *testing.T) {
		conn, verdict := dial("wrong", false)
		defer conn.Close()
		assert.NotEqual(t, Approved, verdict)

		// The server has hung up; anything sent now is dropped.
		conn.Write(encodeRequest(t, 1, "greeting", 1024)[0])
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
		assert.Zero(t, ts.greeted.Load())
	})

	t.Run("right secret", func(t *testing.T) {
		conn, verdict := dial(testSecret, true)
		defer conn.Close()
		assert.Equal(t, Approved, verdict)

		hdr, text := readReply(t, conn)
		assert.Zero(t, hdr.Code)
		assert.Equal(t, "hello", text)
		assert.Equal(t, int32(1), ts.greeted.Load())
	})
}

func TestServer_ExitStopsListener(t *testing.T) {
	var exits atomic.Int32
	ln, path := unixListener(t)
	ts := startServer(t, ln, nil, func() { exits.Add(1) })

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	defer conn.Close()

	code, text := roundTrip(t, conn, 1, "exit")
	assert.Zero(t, code)
	assert.Contains(t, text, "cleanup request received.")

	select {
	case err := <-ts.done:
		assert.NoError(t, err)
		ts.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after exit")
	}
	assert.Equal(t, int32(1), exits.Load())
}

func TestServer_CloseRemovesUnixSocket(t *testing.T) {
	ln, path := unixListener(t)
	ts := startServer(t, ln, nil, nil)

	require.NoError(t, ts.srv.Close())
	require.NoError(t, ts.srv.Close())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
