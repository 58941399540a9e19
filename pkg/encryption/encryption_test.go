package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey([]byte("hunter2"), []byte("salt"), "badger")
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)

	k2, err := DeriveKey([]byte("hunter2"), []byte("salt"), "badger")
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := DeriveKey([]byte("hunter2"), []byte("salt"), "backup")
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = DeriveKey(nil, nil, "badger")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestAESGCM_RoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("pw"), nil, "test")
	require.NoError(t, err)

	plain := []byte(`{"key":"a","value":1}`)
	ct, nonce, err := EncryptAESGCM(plain, key)
	require.NoError(t, err)
	assert.NotContains(t, string(ct), `"key"`)

	got, err := DecryptAESGCM(ct, key, nonce)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	other, err := DeriveKey([]byte("other"), nil, "test")
	require.NoError(t, err)
	_, err = DecryptAESGCM(ct, other, nonce)
	assert.Error(t, err)
}

func TestEncryptAESGCM_BadKeyLength(t *testing.T) {
	_, _, err := EncryptAESGCM([]byte("x"), []byte("short"))
	assert.Error(t, err)
}

func TestDecryptAESGCM_BadInput(t *testing.T) {
	key, err := DeriveKey([]byte("pw"), nil, "test")
	require.NoError(t, err)
	ct, nonce, err := EncryptAESGCM([]byte("payload"), key)
	require.NoError(t, err)

	_, err = DecryptAESGCM(ct, key, nonce[:4])
	assert.ErrorContains(t, err, "nonce must be")

	tampered := append([]byte{}, ct...)
	tampered[0] ^= 0xff
	_, err = DecryptAESGCM(tampered, key, nonce)
	assert.Error(t, err)

	_, err = DecryptAESGCM(ct, []byte("short"), nonce)
	assert.ErrorContains(t, err, "aes key")
}
