package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemorySinkLoadStoreDelete(t *testing.T) {
	s := NewMemorySink()
	_, err := s.Load("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Store(KeyLongTermIdentity, []byte("secret bytes")))
	got, err := s.Load(KeyLongTermIdentity)
	require.NoError(t, err)
	require.Equal(t, []byte("secret bytes"), got)

	require.NoError(t, s.Delete(KeyLongTermIdentity))
	_, err = s.Load(KeyLongTermIdentity)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptedFileSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewEncryptedFileSink(dir, []byte("correct horse battery staple"))
	require.NoError(t, err)

	require.NoError(t, sink.Store(KeyOfflineCache, []byte("cached frames")))
	got, err := sink.Load(KeyOfflineCache)
	require.NoError(t, err)
	require.Equal(t, []byte("cached frames"), got)
}

func TestEncryptedFileSinkRejectsWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewEncryptedFileSink(dir, []byte("correct passphrase"))
	require.NoError(t, err)
	require.NoError(t, sink.Store(KeyReputationSnapshot, []byte("reputation data")))

	wrong, err := NewEncryptedFileSink(dir, []byte("wrong passphrase"))
	require.NoError(t, err)
	_, err = wrong.Load(KeyReputationSnapshot)
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestEncryptedFileSinkLoadMissingKey(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewEncryptedFileSink(dir, []byte("pass"))
	require.NoError(t, err)
	_, err = sink.Load(KeyTokenStore)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEncryptedFileSinkDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewEncryptedFileSink(dir, []byte("pass"))
	require.NoError(t, err)
	require.NoError(t, sink.Delete(KeyTokenStore))
	require.NoError(t, sink.Store(KeyTokenStore, []byte("x")))
	require.NoError(t, sink.Delete(KeyTokenStore))
	require.NoError(t, sink.Delete(KeyTokenStore))
}
