package decrypt

import (
	"context"
	"crypto/cipher"
	"fmt"

	"cencstrip/keystore"
	"cencstrip/mp4"
	"cencstrip/utils"
)

var (
	ErrInvalidKey = keystore.ErrInvalidKey
	ErrNoKey      = keystore.ErrNoKey
)

// Keys resolves a KID to a cipher. keystore.Store implements it.
type Keys interface {
	Block(kid string) (cipher.Block, error)
}

// KeyParams is the key form of the decrypt parameters.
type KeyParams struct {
	// Keys is one key, or several "kid:key" pairs or a ClearKey JWK set, in
	// the forms keystore.Store.Parse accepts.
	Keys string
	// KID is attached to a single key given without one.
	KID string
	// Scheme overrides the scheme signalled by the init segment.
	Scheme mp4.Scheme
	// SkipMissingKeys leaves samples whose key is unknown encrypted instead
	// of failing.
	SkipMissingKeys bool
}

// NewKeyDecrypter builds a SampleDecrypter from key material.
func NewKeyDecrypter(p KeyParams) (SampleDecrypter, error) {
	store := keystore.New()
	if err := store.Parse(p.Keys); err != nil {
		return nil, err
	}
	if p.KID != "" && store.Len() == 1 {
		kids := store.KIDs()
		key, err := store.Key(kids[0])
		if err != nil {
			return nil, err
		}
		if err := store.Add(p.KID, key); err != nil {
			return nil, err
		}
	}
	if store.Len() == 0 {
		return nil, fmt.Errorf("%w: no key given", ErrInvalidKey)
	}
	return KeysDecrypter(store, p.Scheme, p.SkipMissingKeys), nil
}

// KeysDecrypter decrypts cenc samples with AES-CTR and cbcs samples with
// AES-CBC using the pattern from tenc, or 1:9 when the track has none.
// scheme, when set, overrides the scheme of each sample.
func KeysDecrypter(keys Keys, scheme mp4.Scheme, skipMissing bool) SampleDecrypter {
	return func(ctx context.Context, p SampleParams) ([]byte, error) {
		block, err := keys.Block(p.KID)
		if err != nil {
			if skipMissing {
				return nil, nil
			}
			return nil, err
		}
		s := p.Scheme
		if scheme != "" {
			s = scheme
		}
		out := append([]byte(nil), p.Data...)
		switch s {
		case mp4.SchemeCENC, "":
			utils.DecryptCTRInPlace(block, out, p.IV)
		case mp4.SchemeCBCS:
			crypt, skip := p.CryptByteBlock, p.SkipByteBlock
			if crypt == 0 && skip == 0 {
				crypt, skip = utils.DefaultCryptByteBlock, utils.DefaultSkipByteBlock
			}
			runs := p.Runs
			if len(runs) == 0 {
				runs = []int{len(out)}
			}
			// Each encrypted run restarts the chain from the sample IV.
			off := 0
			for _, n := range runs {
				utils.DecryptCBCSInPlace(block, out[off:off+n], p.IV, crypt, skip)
				off += n
			}
		default:
			return nil, fmt.Errorf("unsupported encryption scheme %q", s)
		}
		return out, nil
	}
}
