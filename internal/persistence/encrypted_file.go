package persistence

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/myriadmesh/myriadmesh/internal/mmcrypto"
)

var fileMagic = []byte("MMPS1")

const (
	saltSize = 16
	// Argon2id parameters, unchanged from the teacher's env_encrypt.go kdf:
	// 64 MiB memory, 2 passes, 1 thread — tuned for a local single-user
	// daemon, not a multi-tenant server.
	argonTime    = 2
	argonMemory  = 64 * 1024
	argonThreads = 1
	argonKeyLen  = 32
)

var ErrCorruptFile = errors.New("persistence: encrypted file corrupt or wrong passphrase")

func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// EncryptedFileSink is a Sink backed by one Argon2id-encrypted file per
// key, directly grounding the teacher's env_encrypt.go sealEnvSecrets/
// openEnvSecrets (MAGIC‖salt‖nonce‖len‖ciphertext), generalized from one
// hardcoded two-secret struct to an arbitrary key namespace — each typed
// key becomes its own file under dir, named "<key>.enc" the way the
// teacher names "env.enc"/"Config.enc"/"peers.enc" as siblings under one
// base directory.
type EncryptedFileSink struct {
	dir        string
	passphrase []byte
}

func NewEncryptedFileSink(dir string, passphrase []byte) (*EncryptedFileSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &EncryptedFileSink{dir: dir, passphrase: append([]byte(nil), passphrase...)}, nil
}

func (s *EncryptedFileSink) pathFor(key string) string {
	return filepath.Join(s.dir, key+".enc")
}

func (s *EncryptedFileSink) Store(key string, data []byte) error {
	salt := make([]byte, saltSize)
	if err := mmcrypto.CSPRNGFill(salt); err != nil {
		return err
	}
	aeadKey := deriveKey(s.passphrase, salt)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if err := mmcrypto.CSPRNGFill(nonce); err != nil {
		return err
	}
	ct, err := mmcrypto.AEADSeal(aeadKey, nonce, nil, data)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(fileMagic)+saltSize+len(nonce)+4+len(ct))
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(data)))
	out = append(out, lbuf[:]...)
	out = append(out, ct...)

	return os.WriteFile(s.pathFor(key), out, 0o600)
}

func (s *EncryptedFileSink) Load(key string) ([]byte, error) {
	b, err := os.ReadFile(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	minLen := len(fileMagic) + saltSize + chacha20poly1305.NonceSizeX + 4
	if len(b) < minLen || string(b[:len(fileMagic)]) != string(fileMagic) {
		return nil, ErrCorruptFile
	}
	off := len(fileMagic)
	salt := b[off : off+saltSize]
	off += saltSize
	nonce := b[off : off+chacha20poly1305.NonceSizeX]
	off += chacha20poly1305.NonceSizeX
	off += 4 // declared length, not needed to locate ct: ct runs to EOF
	ct := b[off:]

	aeadKey := deriveKey(s.passphrase, salt)
	plain, err := mmcrypto.AEADOpen(aeadKey, nonce, nil, ct)
	if err != nil {
		return nil, ErrCorruptFile
	}
	return plain, nil
}

func (s *EncryptedFileSink) Delete(key string) error {
	err := os.Remove(s.pathFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
