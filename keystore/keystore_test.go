package keystore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	kid1 = "eb676abbcb345e96bbcf616630f1a3da"
	key1 = "100b6c20940f779a4589152b57d2dacb"
	kid2 = "00112233445566778899aabbccddeeff"
	key2 = "ffeeddccbbaa99887766554433221100"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestParsePairs(t *testing.T) {
	s := New()
	require.NoError(t, s.Parse(kid1+":"+key1+", "+kid2+":"+key2))
	require.Equal(t, 2, s.Len())
	require.ElementsMatch(t, []string{kid1, kid2}, s.KIDs())

	k, err := s.Key(kid2)
	require.NoError(t, err)
	require.Equal(t, mustHex(key2), k)

	// KIDs may be written as UUIDs and in upper case.
	k, err = s.Key("EB676ABB-CB34-5E96-BBCF-616630F1A3DA")
	require.NoError(t, err)
	require.Equal(t, mustHex(key1), k)

	_, err = s.Block("0102030405060708090a0b0c0d0e0f10")
	require.ErrorIs(t, err, ErrNoKey)
}

func TestParseBareKey(t *testing.T) {
	s := New()
	require.NoError(t, s.Parse(key1))
	// A key without KID serves every KID.
	k, err := s.Key(kid2)
	require.NoError(t, err)
	require.Equal(t, mustHex(key1), k)
	b, err := s.Block("")
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestParseBase64(t *testing.T) {
	s := New()
	kid := base64.RawURLEncoding.EncodeToString(mustHex(kid1))
	key := base64.StdEncoding.EncodeToString(mustHex(key1))
	require.NoError(t, s.Parse(kid+":"+key))
	k, err := s.Key(kid1)
	require.NoError(t, err)
	require.Equal(t, mustHex(key1), k)
}

func TestParseJWK(t *testing.T) {
	jwk := fmt.Sprintf(`{"keys":[{"kty":"oct","kid":%q,"k":%q},{"kty":"oct","kid":%q,"k":%q}],"type":"temporary"}`,
		base64.RawURLEncoding.EncodeToString(mustHex(kid1)), base64.RawURLEncoding.EncodeToString(mustHex(key1)),
		base64.URLEncoding.EncodeToString(mustHex(kid2)), base64.URLEncoding.EncodeToString(mustHex(key2)))
	s := New()
	require.NoError(t, s.Parse(jwk))
	require.Equal(t, 2, s.Len())
	k, err := s.Key(kid2)
	require.NoError(t, err)
	require.Equal(t, mustHex(key2), k)
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{
		"zz",
		kid1 + ":0011",
		"nothex:" + key1,
		`{"keys":[`,
		`{"keys":[{"kid":"AA","k":"!!"}]}`,
	} {
		require.ErrorIs(t, New().Parse(in), ErrInvalidKey, in)
	}
	require.NoError(t, New().Parse("  "))
}

func TestSingleKeyFallback(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(kid1, mustHex(key1)))
	k, err := s.Key(kid2)
	require.NoError(t, err)
	require.Equal(t, mustHex(key1), k)

	require.NoError(t, s.Add(kid2, mustHex(key2)))
	_, err = s.Key("0102030405060708090a0b0c0d0e0f10")
	require.ErrorIs(t, err, ErrNoKey)
}

func TestAddTTL(t *testing.T) {
	s := New()
	require.NoError(t, s.Add(kid1, mustHex(key1)))
	require.NoError(t, s.AddTTL(kid2, mustHex(key2), time.Millisecond))
	require.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, s.Add(kid1, []byte{1, 2, 3}), ErrInvalidKey)
}
