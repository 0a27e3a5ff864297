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
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/unix"

	"github.com/ovis-hpc/ldmsd/internal/controller/filewatcher"
	internallog "github.com/ovis-hpc/ldmsd/internal/log"
	ldmsderrors "github.com/ovis-hpc/ldmsd/pkg/errors"
)

var (
	// ErrAuthenticationFailed is returned when a challenge response does
	// not match.
	ErrAuthenticationFailed = errors.New("rpc: authentication failed")

	// ErrRateLimitExceeded is returned while an address is locked out.
	ErrRateLimitExceeded = errors.New("rpc: rate limit exceeded")
)

const (
	// ChallengeSize is the encoded size of a Challenge.
	ChallengeSize = 8

	// ResponseSize is the length of the hex-encoded challenge response.
	ResponseSize = 2 * blake2b.Size256

	// Approved is sent as a big-endian int32 after a matching response.
	Approved int32 = 1

	// SecretWordKey prefixes the secret in a secret file.
	SecretWordKey = "secretword="

	// Default lockout policy.
	MaxFailedAttempts = 5
	RateLimitWindow   = 1 * time.Minute
	RateLimitLockout  = 60 * time.Second
)

// Challenge is the random value a TCP client must answer. The zero
// Challenge is the greeting sent when no secret is configured.
type Challenge struct {
	Hi uint32
	Lo uint32
}

// IsZero reports whether c is the no-auth greeting.
func (c Challenge) IsZero() bool { return c.Hi == 0 && c.Lo == 0 }

// Bytes encodes c big-endian.
func (c Challenge) Bytes() []byte {
	b := make([]byte, ChallengeSize)
	binary.BigEndian.PutUint32(b[0:], c.Hi)
	binary.BigEndian.PutUint32(b[4:], c.Lo)
	return b
}

// ParseChallenge decodes a challenge sent by the server.
func ParseChallenge(b []byte) (Challenge, error) {
	if len(b) < ChallengeSize {
		return Challenge{}, ldmsderrors.Status(unix.EPROTO, "short challenge: %d bytes", len(b))
	}
	return Challenge{Hi: binary.BigEndian.Uint32(b[0:]), Lo: binary.BigEndian.Uint32(b[4:])}, nil
}

// NewChallenge draws a non-zero challenge.
func NewChallenge() (Challenge, error) {
	var b [ChallengeSize]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return Challenge{}, err
		}
		c, _ := ParseChallenge(b[:])
		if !c.IsZero() {
			return c, nil
		}
	}
}

// ChallengeResponse is the hex BLAKE2b-256 MAC of the challenge, keyed by
// the BLAKE2b-256 digest of the secret.
func ChallengeResponse(secret string, c Challenge) string {
	key := blake2b.Sum256([]byte(secret))
	h, err := blake2b.New256(key[:])
	if err != nil {
		// a 32-byte key is always accepted
		panic(err)
	}
	h.Write(c.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// LoadSecret reads the secret from a file of "secretword=<value>" lines.
// The file must not be readable or writable by group or others.
func LoadSecret(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "cannot stat secret file '%s': %v", path, err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return "", ldmsderrors.Status(unix.EACCES,
			"secret file '%s' is accessible by group or others (mode %04o); use chmod 600", path, fi.Mode().Perm())
	}

	f, err := os.Open(path)
	if err != nil {
		return "", ldmsderrors.WrapStatus(err, ldmsderrors.Errno(err), "cannot open secret file '%s': %v", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if secret, ok := strings.CutPrefix(line, SecretWordKey); ok && secret != "" {
			return secret, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", ldmsderrors.WrapStatus(err, unix.EIO, "reading secret file '%s': %v", path, err)
	}
	return "", ldmsderrors.Status(unix.EINVAL, "secret file '%s' has no %s line", path, SecretWordKey)
}

// AuthConfig configures an Authenticator's lockout policy.
type AuthConfig struct {
	// FailureLimit failures within FailureWindow lock an address out.
	FailureLimit  int
	FailureWindow time.Duration
	Lockout       time.Duration

	Logger *slog.Logger
}

// Authenticator verifies challenge responses and rate limits failing
// peers by IP.
type Authenticator struct {
	secret atomic.Pointer[string]
	cfg    AuthConfig
	logger *slog.Logger

	mu             sync.RWMutex
	failedAttempts map[string]*rateLimitEntry
	cleanupTicker  *time.Ticker
	stopCleanup    chan struct{}
	closed         bool
}

type rateLimitEntry struct {
	count       int
	firstFail   time.Time
	lockedUntil time.Time
}

// NewAuthenticator returns an authenticator. An empty secret disables the
// challenge.
func NewAuthenticator(secret string, cfg AuthConfig) *Authenticator {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = MaxFailedAttempts
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = RateLimitWindow
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = RateLimitLockout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		cfg:            cfg,
		logger:         internallog.WithComponent(logger, "auth"),
		failedAttempts: make(map[string]*rateLimitEntry),
		stopCleanup:    make(chan struct{}),
	}
	a.SetSecret(secret)

	a.cleanupTicker = time.NewTicker(cfg.FailureWindow)
	go a.cleanupLoop()
	return a
}

// SetSecret replaces the shared secret.
func (a *Authenticator) SetSecret(secret string) {
	a.secret.Store(&secret)
}

// Enabled reports whether clients are challenged.
func (a *Authenticator) Enabled() bool {
	s := a.secret.Load()
	return s != nil && *s != ""
}

// Challenge returns the value to send to a newly accepted client: a
// random challenge, or the zero greeting when no secret is set.
func (a *Authenticator) Challenge() (Challenge, error) {
	if !a.Enabled() {
		return Challenge{}, nil
	}
	return NewChallenge()
}

// CheckLockout returns ErrRateLimitExceeded while remoteAddr is locked out.
func (a *Authenticator) CheckLockout(remoteAddr string) error {
	ip := hostOf(remoteAddr)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if entry, ok := a.failedAttempts[ip]; ok && time.Now().Before(entry.lockedUntil) {
		return ErrRateLimitExceeded
	}
	return nil
}

// Verify compares a client's response with the expected one in constant
// time and records failures against the client's address.
func (a *Authenticator) Verify(c Challenge, response, remoteAddr string) error {
	if err := a.CheckLockout(remoteAddr); err != nil {
		return err
	}
	if !a.Enabled() {
		return nil
	}
	expected := ChallengeResponse(*a.secret.Load(), c)
	if subtle.ConstantTimeCompare([]byte(response), []byte(expected)) != 1 {
		a.recordFailedAttempt(hostOf(remoteAddr))
		return ErrAuthenticationFailed
	}

	a.mu.Lock()
	delete(a.failedAttempts, hostOf(remoteAddr))
	a.mu.Unlock()
	return nil
}

func hostOf(remoteAddr string) string {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}

func (a *Authenticator) recordFailedAttempt(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	entry, ok := a.failedAttempts[ip]
	if !ok {
		entry = &rateLimitEntry{firstFail: now}
		a.failedAttempts[ip] = entry
	} else if now.Sub(entry.firstFail) > a.cfg.FailureWindow {
		entry.count = 0
		entry.firstFail = now
		entry.lockedUntil = time.Time{}
	}

	entry.count++
	if entry.count >= a.cfg.FailureLimit {
		entry.lockedUntil = now.Add(a.cfg.Lockout)
		a.logger.Warn("address locked out", slog.String("remote", ip), slog.Duration("lockout", a.cfg.Lockout))
	}
}

// FailedAttempts returns the failure count recorded for ip.
func (a *Authenticator) FailedAttempts(ip string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if entry, ok := a.failedAttempts[ip]; ok {
		return entry.count
	}
	return 0
}

func (a *Authenticator) cleanupLoop() {
	for {
		select {
		case <-a.cleanupTicker.C:
			a.cleanup()
		case <-a.stopCleanup:
			return
		}
	}
}

func (a *Authenticator) cleanup() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for ip, entry := range a.failedAttempts {
		if now.After(entry.lockedUntil) && now.Sub(entry.firstFail) > a.cfg.FailureWindow {
			delete(a.failedAttempts, ip)
		}
	}
}

// WatchSecret reloads the secret whenever path changes, until ctx is
// done. A reload that fails keeps the previous secret.
func (a *Authenticator) WatchSecret(ctx context.Context, path string) error {
	w, err := filewatcher.NewWatcher(path, filewatcher.DefaultDebounce, a.logger)
	if err != nil {
		return ldmsderrors.Wrap(err, "creating secret file watcher")
	}
	w.Start(ctx)

	logger := a.logger.With(slog.String(internallog.PathKey, path))
	go func() {
		defer w.Stop()
		for {
			select {
			case <-a.stopCleanup:
				return
			case ev, ok := <-w.Events():
				if !ok {
					return
				}
				if !ev.Exists() {
					logger.Warn("secret file removed, keeping the current secret")
					continue
				}
				secret, err := LoadSecret(path)
				if err != nil {
					logger.Error("secret reload failed", internallog.Error(err))
					continue
				}
				a.SetSecret(secret)
				logger.Info("secret reloaded")
			}
		}
	}()
	return nil
}

// Close stops background goroutines. It is safe to call more than once.
func (a *Authenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.closed = true
	a.cleanupTicker.Stop()
	close(a.stopCleanup)
}
