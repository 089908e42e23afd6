package utils

import (
	"crypto/aes"
	"crypto/cipher"
)

// Default cbcs pattern used when the track does not signal one.
const (
	DefaultCryptByteBlock = 1
	DefaultSkipByteBlock  = 9
)

// DecryptCBCSInPlace decrypts one protected run with AES-CBC following the
// crypt/skip block pattern. The chain starts from iv and continues over the
// skipped blocks. A trailing partial block is left as it is. A crypt count
// of zero or less decrypts every block.
func DecryptCBCSInPlace(block cipher.Block, data []byte, iv []byte, cryptByteBlock, skipByteBlock int) {
	if cryptByteBlock <= 0 {
		cryptByteBlock = 1
		skipByteBlock = 0
	}
	if skipByteBlock < 0 {
		skipByteBlock = 0
	}

	prev := make([]byte, aes.BlockSize)
	copy(prev, iv)
	ct := make([]byte, aes.BlockSize)

	offset := 0
	for offset+aes.BlockSize <= len(data) {
		for i := 0; i < cryptByteBlock && offset+aes.BlockSize <= len(data); i++ {
			b := data[offset : offset+aes.BlockSize]
			copy(ct, b)
			block.Decrypt(b, b)
			for j := range b {
				b[j] ^= prev[j]
			}
			copy(prev, ct)
			offset += aes.BlockSize
		}
		offset += skipByteBlock * aes.BlockSize
	}
}

// DecryptCTRInPlace decrypts data with AES-CTR using iv as the initial
// counter block.
func DecryptCTRInPlace(block cipher.Block, data []byte, iv []byte) {
	counter := make([]byte, aes.BlockSize)
	copy(counter, iv)
	cipher.NewCTR(block, counter).XORKeyStream(data, data)
}
