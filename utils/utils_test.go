package utils

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	testKey = []byte("0123456789abcdef")
	testIV  = []byte("fedcba9876543210")
)

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// encryptPattern is the inverse of DecryptCBCSInPlace.
func encryptPattern(t *testing.T, plain []byte, crypt, skip int) []byte {
	t.Helper()
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	out := append([]byte(nil), plain...)
	prev := append([]byte(nil), testIV...)
	for off := 0; off+16 <= len(out); {
		for i := 0; i < crypt && off+16 <= len(out); i++ {
			b := out[off : off+16]
			for j := range b {
				b[j] ^= prev[j]
			}
			block.Encrypt(b, b)
			copy(prev, b)
			off += 16
		}
		off += skip * 16
	}
	return out
}

func TestDecryptCBCSPattern(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	for _, tc := range []struct{ size, crypt, skip int }{
		{160, 1, 9},
		{330, 1, 9},
		{100, 2, 3},
		{15, 1, 9},
	} {
		plain := pattern(tc.size)
		data := encryptPattern(t, plain, tc.crypt, tc.skip)
		DecryptCBCSInPlace(block, data, testIV, tc.crypt, tc.skip)
		require.Equal(t, plain, data, "%+v", tc)
	}
}

func TestDecryptCBCSFullChain(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	plain := pattern(64 + 5)
	data := append([]byte(nil), plain...)
	cipher.NewCBCEncrypter(block, testIV).CryptBlocks(data[:64], data[:64])

	DecryptCBCSInPlace(block, data, testIV, 0, 0)
	require.Equal(t, plain, data)
}

func TestDecryptCTR(t *testing.T) {
	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)
	plain := pattern(77)
	data := append([]byte(nil), plain...)
	iv := append([]byte(nil), testIV[:8]...)
	cipher.NewCTR(block, append(iv, make([]byte, 8)...)).XORKeyStream(data, data)
	require.False(t, bytes.Equal(plain, data))

	DecryptCTRInPlace(block, data, testIV[:8])
	require.Equal(t, plain, data)
}

func TestFormat(t *testing.T) {
	require.Equal(t, "512 B", FormatSize(512))
	require.Equal(t, "1.50 KB", FormatSize(1536))
	require.Equal(t, "2.00 MB", FormatSize(2<<20))
	require.Equal(t, "250 ms", FormatDuration(250*time.Millisecond))
	require.Equal(t, "1.50 s", FormatDuration(1500*time.Millisecond))
}
