package udpc

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
)

// Signer is the detached ed25519 sign/verify primitive. The default
// implementation wraps crypto/ed25519; a noopSigner backs Contexts with
// authentication disabled so the codec never has to branch on a nil signer.
type Signer interface {
	Sign(sk ed25519.PrivateKey, msg []byte) [64]byte
	Verify(pk ed25519.PublicKey, msg []byte, sig [64]byte) bool
}

type ed25519Signer struct{}

func (ed25519Signer) Sign(sk ed25519.PrivateKey, msg []byte) [64]byte {
	var out [64]byte
	copy(out[:], ed25519.Sign(sk, msg))
	return out
}

func (ed25519Signer) Verify(pk ed25519.PublicKey, msg []byte, sig [64]byte) bool {
	if len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pk, msg, sig[:])
}

type noopSigner struct{}

func (noopSigner) Sign(ed25519.PrivateKey, []byte) [64]byte          { return [64]byte{} }
func (noopSigner) Verify(ed25519.PublicKey, []byte, [64]byte) bool { return true }

// GenerateKeypair returns a fresh Ed25519 keypair, used whenever a Context
// without a fixed identity keypair accepts a new connection.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// keyWhitelist is the peer public-key whitelist; an empty set means no
// restriction. Reads dominate on the packet path so it is guarded by an
// RWMutex rather than the Context mutex.
type keyWhitelist struct {
	mu   sync.RWMutex
	keys map[[32]byte]struct{}
}

func newKeyWhitelist() *keyWhitelist {
	return &keyWhitelist{keys: make(map[[32]byte]struct{})}
}

func (w *keyWhitelist) add(pk [32]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys[pk] = struct{}{}
}

func (w *keyWhitelist) remove(pk [32]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.keys, pk)
}

func (w *keyWhitelist) clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = make(map[[32]byte]struct{})
}

func (w *keyWhitelist) has(pk [32]byte) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.keys[pk]
	return ok
}

// allows reports whether pk may connect: an empty whitelist allows everyone.
func (w *keyWhitelist) allows(pk [32]byte) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.keys) == 0 {
		return true
	}
	_, ok := w.keys[pk]
	return ok
}
