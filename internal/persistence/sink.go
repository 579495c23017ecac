// Package persistence implements the external persistence sink (§6): a
// typed key/value interface over opaque byte blobs, with one typed key each
// for the identity, offline cache, reputation and token store. The core
// never opens files or picks an encoding itself. Node holds a Sink, but no
// component of the core calls Load, Store or Delete on it; nothing is
// written under these keys by the core. This generalizes the teacher's env.go/env_encrypt.go, which
// hardcodes exactly two secrets (BeaconKey, FileKey) into one fixed struct,
// into an open key space any component can write under.
package persistence

import "errors"

// ErrNotFound is returned by Load when key has never been stored (or was
// deleted).
var ErrNotFound = errors.New("persistence: key not found")

// Typed keys for the core's persistable state (§6).
const (
	KeyLongTermIdentity = "identity"
	KeyOfflineCache      = "offline_cache"
	KeyReputationSnapshot = "reputation"
	KeyTokenStore        = "tokens"
)

// Sink is the persistence contract: load/store/delete on opaque blobs under
// typed keys. Implementations choose their own on-disk format and whether
// (and how) to encrypt at rest.
type Sink interface {
	Load(key string) ([]byte, error)
	Store(key string, data []byte) error
	Delete(key string) error
}
