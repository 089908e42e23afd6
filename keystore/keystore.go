// Package keystore maps key IDs to AES content keys.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

var (
	ErrInvalidKey = errors.New("keystore: invalid key")
	ErrNoKey      = errors.New("keystore: no key for KID")
)

// defaultKID is where a key given without a KID is stored.
const defaultKID = "*"

type entry struct {
	key   []byte
	block cipher.Block
}

// Store holds content keys by lowercase hex KID. Keys added with a TTL
// expire; keys given on the command line or in config never do.
type Store struct {
	c *cache.Cache
}

func New() *Store {
	return &Store{c: cache.New(cache.NoExpiration, 10*time.Minute)}
}

// Add stores key for kid. An empty kid makes key the fallback for any KID.
func (s *Store) Add(kid string, key []byte) error {
	return s.AddTTL(kid, key, cache.NoExpiration)
}

func (s *Store) AddTTL(kid string, key []byte, ttl time.Duration) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	id, err := normalizeKID(kid)
	if err != nil {
		return err
	}
	s.c.Set(id, entry{key: append([]byte(nil), key...), block: block}, ttl)
	return nil
}

// Parse adds the keys in text, which is either a ClearKey JWK set or a list
// of "kid:key" pairs separated by commas, spaces or newlines. A pair may
// omit the kid, and each side may be hex or base64url.
func (s *Store) Parse(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, "{") {
		return s.ParseJWK([]byte(text))
	}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
	for _, f := range fields {
		kid, key, ok := strings.Cut(f, ":")
		if !ok {
			kid, key = "", f
		}
		k, err := decodeKeyMaterial(key)
		if err != nil {
			return fmt.Errorf("%w %q: %v", ErrInvalidKey, f, err)
		}
		if err := s.Add(kid, k); err != nil {
			return err
		}
	}
	return nil
}

// JWKSet is a ClearKey license response.
type JWKSet struct {
	Keys []JWK  `json:"keys"`
	Type string `json:"type,omitempty"`
}

type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	K   string `json:"k"`
}

// ParseJWK adds every key of a ClearKey JWK set.
func (s *Store) ParseJWK(data []byte) error {
	var set JWKSet
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("%w: JWK set: %v", ErrInvalidKey, err)
	}
	for _, k := range set.Keys {
		kid, err := base64DecodeWithPad(k.Kid)
		if err != nil {
			return fmt.Errorf("%w: JWK kid %q: %v", ErrInvalidKey, k.Kid, err)
		}
		key, err := base64DecodeWithPad(k.K)
		if err != nil {
			return fmt.Errorf("%w: JWK k: %v", ErrInvalidKey, err)
		}
		if err := s.Add(hex.EncodeToString(kid), key); err != nil {
			return err
		}
	}
	return nil
}

// Block returns the cipher for kid. An unknown KID falls back to the key
// stored without a KID, or to the only key in the store.
func (s *Store) Block(kid string) (cipher.Block, error) {
	e, err := s.lookup(kid)
	if err != nil {
		return nil, err
	}
	return e.block, nil
}

// Key returns the raw key for kid with the same fallback as Block.
func (s *Store) Key(kid string) ([]byte, error) {
	e, err := s.lookup(kid)
	if err != nil {
		return nil, err
	}
	return e.key, nil
}

func (s *Store) lookup(kid string) (entry, error) {
	if id, err := normalizeKID(kid); err == nil && id != defaultKID {
		if v, ok := s.c.Get(id); ok {
			return v.(entry), nil
		}
	}
	if v, ok := s.c.Get(defaultKID); ok {
		return v.(entry), nil
	}
	items := s.c.Items()
	if len(items) == 1 {
		for _, it := range items {
			return it.Object.(entry), nil
		}
	}
	return entry{}, fmt.Errorf("%w %s", ErrNoKey, kid)
}

// KIDs lists the stored key IDs.
func (s *Store) KIDs() []string {
	items := s.c.Items()
	kids := make([]string, 0, len(items))
	for id := range items {
		kids = append(kids, id)
	}
	return kids
}

// Len counts the keys that have not expired.
func (s *Store) Len() int {
	return len(s.c.Items())
}

func normalizeKID(kid string) (string, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return defaultKID, nil
	}
	if h := strings.ReplaceAll(kid, "-", ""); len(h) == 32 {
		kid = h
	}
	b, err := decodeKeyMaterial(kid)
	if err != nil {
		return "", fmt.Errorf("%w: KID %q: %v", ErrInvalidKey, kid, err)
	}
	return hex.EncodeToString(b), nil
}

// decodeKeyMaterial accepts 32 hex digits or base64url for 16 bytes.
func decodeKeyMaterial(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 32 {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	b, err := base64DecodeWithPad(s)
	if err != nil {
		return nil, err
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("want 16 bytes, got %d", len(b))
	}
	return b, nil
}

func base64DecodeWithPad(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
