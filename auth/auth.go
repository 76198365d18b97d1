/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package auth binds a pluggable credential into the REQUEST_PERSIST_INIT
// handshake: the client Create()s a Credential and packs it into the
// first RPC, the server Verify()s it and recovers the caller's identity.
// Two Providers are built in: NoAuth, which always succeeds, and
// SharedKey, which signs a nonce with HMAC-SHA256 using a key loaded from
// disk and re-read on every fsnotify write event so the key can be
// rotated without restarting either side.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nabbar/persistdbd/perrors"
	"github.com/nabbar/persistdbd/xlog"
)

// Credential is an opaque, provider-specific blob carried on the wire by
// the REQUEST_PERSIST_INIT message body.
type Credential []byte

// Provider creates and verifies Credentials.
type Provider interface {
	// Create returns a fresh Credential for the identity this process
	// runs as.
	Create() (Credential, error)

	// Verify checks cred and returns the identity it asserts. identity is
	// provider-defined: NoAuth returns the empty string, SharedKey returns
	// the numeric uid embedded in the signed payload.
	Verify(cred Credential) (identity string, err error)
}

// NoAuth accepts every credential unconditionally, for loopback or
// already-isolated deployments.
type NoAuth struct{}

// Create returns an empty Credential.
func (NoAuth) Create() (Credential, error) {
	return Credential{}, nil
}

// Verify always succeeds.
func (NoAuth) Verify(Credential) (string, error) {
	return "", nil
}

// SharedKey signs {uid, unix-nanosecond nonce} with HMAC-SHA256 under a
// key read from a file on disk. The key is reloaded whenever the file is
// rewritten, so an operator can rotate it by replacing the file in place.
type SharedKey struct {
	uid int

	mu      sync.RWMutex
	key     []byte
	keyPath string
	watcher *fsnotify.Watcher
	log     xlog.Logger
}

// NewSharedKey loads the signing key from keyPath and starts watching it
// for rewrites. uid identifies the local caller and is embedded (but not
// trusted blindly: Verify recomputes the HMAC before believing it).
func NewSharedKey(keyPath string, uid int, log xlog.Logger) (*SharedKey, error) {
	if log == nil {
		log = xlog.Discard()
	}
	sk := &SharedKey{uid: uid, keyPath: keyPath, log: log}
	if err := sk.reload(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, perrors.New(perrors.UnknownError, "fsnotify watcher init failed", err)
	}
	if err = w.Add(keyPath); err != nil {
		_ = w.Close()
		return nil, perrors.New(perrors.UnknownError, "fsnotify watch add failed", err)
	}
	sk.watcher = w
	go sk.watch()
	return sk, nil
}

func (sk *SharedKey) reload() error {
	b, err := os.ReadFile(sk.keyPath)
	if err != nil {
		return perrors.New(perrors.AuthFailed, "read shared key", err)
	}
	key := []byte(strings.TrimSpace(string(b)))
	sk.mu.Lock()
	sk.key = key
	sk.mu.Unlock()
	return nil
}

func (sk *SharedKey) watch() {
	for {
		select {
		case ev, ok := <-sk.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := sk.reload(); err != nil {
					sk.log.WithError(err).Warnf("shared key reload failed after fsnotify event")
				} else {
					sk.log.Infof("shared key reloaded from %s", sk.keyPath)
				}
			}
		case err, ok := <-sk.watcher.Errors:
			if !ok {
				return
			}
			sk.log.WithError(err).Warnf("fsnotify watcher error on shared key")
		}
	}
}

// Close stops the background watcher.
func (sk *SharedKey) Close() error {
	if sk.watcher == nil {
		return nil
	}
	return sk.watcher.Close()
}

func (sk *SharedKey) currentKey() []byte {
	sk.mu.RLock()
	defer sk.mu.RUnlock()
	return sk.key
}

func (sk *SharedKey) sign(uid int, nonce uint64) []byte {
	mac := hmac.New(sha256.New, sk.currentKey())
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(uid))
	mac.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], nonce)
	mac.Write(buf[:])
	return mac.Sum(nil)
}

// Create signs {uid, now} and encodes it as "<uid>:<nonce>:<hexmac>".
func (sk *SharedKey) Create() (Credential, error) {
	nonce := uint64(time.Now().UnixNano())
	sig := sk.sign(sk.uid, nonce)
	s := fmt.Sprintf("%d:%d:%x", sk.uid, nonce, sig)
	return Credential(s), nil
}

// Verify recomputes the HMAC over the asserted uid/nonce and compares it
// in constant time against the one presented.
func (sk *SharedKey) Verify(cred Credential) (string, error) {
	parts := strings.SplitN(string(cred), ":", 3)
	if len(parts) != 3 {
		return "", perrors.New(perrors.AuthFailed, "malformed credential", nil)
	}
	uid, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", perrors.New(perrors.AuthFailed, "malformed uid", err)
	}
	nonce, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", perrors.New(perrors.AuthFailed, "malformed nonce", err)
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", perrors.New(perrors.AuthFailed, "malformed signature", err)
	}
	got := sk.sign(uid, nonce)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return "", perrors.New(perrors.AuthFailed, "signature mismatch", nil)
	}
	return strconv.Itoa(uid), nil
}
