// Package keystore manages Ed25519 signing keypairs and their JWKS
// representation: loading, kid-based resolution, and on-disk persistence.
package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	josejwk "github.com/go-jose/go-jose/v4"
)

// KeyPair is one Ed25519 signing key identified by a stable kid.
type KeyPair struct {
	Kid  string
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// KeyRing holds the process's signing keys. Read-shared across request
// workers; mutated only at process start or via an atomic reload (§5).
type KeyRing struct {
	mu         sync.RWMutex
	keys       map[string]KeyPair
	activeKid  string
	persistent bool
}

// NewKeyRing returns an empty KeyRing.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]KeyPair)}
}

// ErrDuplicateKid is returned when AddKey is called with a kid already present.
var ErrDuplicateKid = errors.New("keystore: duplicate kid")

// ErrDuplicateKey is returned when AddKey is called with a public key value
// already present under a different kid.
var ErrDuplicateKey = errors.New("keystore: duplicate public key")

// AddKey registers kp. Rejects duplicate kid or duplicate public key bytes
// per spec §3. Existing keys are never mutated by this call; adding a key is
// how rotation happens (old kids remain resolvable).
func (k *KeyRing) AddKey(kp KeyPair) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.keys[kp.Kid]; exists {
		return ErrDuplicateKid
	}
	for _, existing := range k.keys {
		if existing.Pub.Equal(kp.Pub) {
			return ErrDuplicateKey
		}
	}
	k.keys[kp.Kid] = kp
	return nil
}

// SetActiveKid marks kid as the preferred signing key. kid must already be
// registered via AddKey.
func (k *KeyRing) SetActiveKid(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[kid]; !ok {
		return fmt.Errorf("keystore: unknown kid %q", kid)
	}
	k.activeKid = kid
	return nil
}

// MarkPersistent flags whether this ring was loaded from/backed by a
// persistent store, surfaced informationally (e.g. in health/status output).
func (k *KeyRing) MarkPersistent(p bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.persistent = p
}

// Persistent reports whether this ring is backed by durable storage.
func (k *KeyRing) Persistent() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.persistent
}

// Resolve returns the public key for kid, or ok=false if unknown. Satisfies
// pkg/ope.Resolver.
func (k *KeyRing) Resolve(kid string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	kp, ok := k.keys[kid]
	if !ok {
		return nil, false
	}
	return kp.Pub, true
}

// Active returns the keypair to sign with: active_kid if set, else the
// lexicographically smallest kid (spec §4.2). Returns ok=false if the ring
// is empty.
func (k *KeyRing) Active() (KeyPair, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.activeKid != "" {
		if kp, ok := k.keys[k.activeKid]; ok {
			return kp, true
		}
	}
	if len(k.keys) == 0 {
		return KeyPair{}, false
	}
	kids := make([]string, 0, len(k.keys))
	for kid := range k.keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	return k.keys[kids[0]], true
}

// Len reports the number of registered keys.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// jwk is the exact wire shape spec §3 mandates for one JWKS entry.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// ToJWKS renders the public half of every registered key, sorted by
// (kid, x) deterministically per spec §4.2.
func (k *KeyRing) ToJWKS() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	entries := make([]jwk, 0, len(k.keys))
	for _, kp := range k.keys {
		entries = append(entries, jwk{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(kp.Pub),
			Kid: kp.Kid,
			Alg: "EdDSA",
			Use: "sig",
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kid != entries[j].Kid {
			return entries[i].Kid < entries[j].Kid
		}
		return entries[i].X < entries[j].X
	})
	return json.Marshal(jwks{Keys: entries})
}

// ParseJWKS parses data (either our native shape or a go-jose
// JSONWebKeySet) into a read-only resolver, rejecting duplicate kid or
// duplicate x values per spec §3.
func ParseJWKS(data []byte) (*StaticResolver, error) {
	var set jwks
	if err := json.Unmarshal(data, &set); err != nil {
		// Fall back to parsing via go-jose, which understands the broader
		// JWK family (RSA/EC/OKP) in case an upstream JWKS carries extra
		// standard fields our minimal struct doesn't.
		var joseSet josejwk.JSONWebKeySet
		if jerr := json.Unmarshal(data, &joseSet); jerr != nil {
			return nil, fmt.Errorf("keystore: invalid jwks: %w", err)
		}
		set.Keys = nil
		for _, jk := range joseSet.Keys {
			pub, ok := jk.Key.(ed25519.PublicKey)
			if !ok {
				continue
			}
			set.Keys = append(set.Keys, jwk{
				Kty: "OKP", Crv: "Ed25519",
				X:   base64.RawURLEncoding.EncodeToString(pub),
				Kid: jk.KeyID, Alg: "EdDSA", Use: "sig",
			})
		}
	}

	resolver := &StaticResolver{byKid: make(map[string]ed25519.PublicKey, len(set.Keys))}
	seenX := make(map[string]bool, len(set.Keys))
	for _, entry := range set.Keys {
		if entry.Kty != "OKP" || entry.Crv != "Ed25519" {
			continue
		}
		if _, dup := resolver.byKid[entry.Kid]; dup {
			return nil, fmt.Errorf("keystore: duplicate kid %q in jwks", entry.Kid)
		}
		if seenX[entry.X] {
			return nil, fmt.Errorf("keystore: duplicate x in jwks")
		}
		seenX[entry.X] = true
		raw, err := base64.RawURLEncoding.DecodeString(entry.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keystore: jwks entry %q has invalid x", entry.Kid)
		}
		resolver.byKid[entry.Kid] = ed25519.PublicKey(raw)
	}
	return resolver, nil
}

// StaticResolver is an immutable snapshot of resolvable public keys,
// produced by ParseJWKS. Satisfies pkg/ope.Resolver.
type StaticResolver struct {
	byKid map[string]ed25519.PublicKey
}

func (r *StaticResolver) Resolve(kid string) (ed25519.PublicKey, bool) {
	pub, ok := r.byKid[kid]
	return pub, ok
}

// --- Key sources (spec §4.2): inline JWKS, JWKS file, single raw key,
// persistent keystore file, ephemeral in-memory pair. Each Load* function
// is a standalone attempt; nothing in this package tries them in sequence
// or falls back from one source to the next.

// LoadInlineJWKS builds a verify-only resolver purely from JWKS bytes (no
// private keys — this source can only ever serve the EnvelopeVerifier side).
func LoadInlineJWKS(jwksJSON []byte) (*StaticResolver, error) {
	return ParseJWKS(jwksJSON)
}

// LoadJWKSFile reads a JWKS document from path.
func LoadJWKSFile(path string) (*StaticResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseJWKS(data)
}

// LoadSingleRawKey builds a one-key signing KeyRing from a raw Ed25519 key,
// either a 32-byte seed or a 64-byte private key, encoded as hex, base64,
// or base64url.
func LoadSingleRawKey(kid, encoded string) (*KeyRing, error) {
	seed, err := decodeFlexible(encoded)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode raw key: %w", err)
	}
	priv, pub, err := keyFromSeedOrPriv(seed)
	if err != nil {
		return nil, err
	}
	ring := NewKeyRing()
	if err := ring.AddKey(KeyPair{Kid: kid, Priv: priv, Pub: pub}); err != nil {
		return nil, err
	}
	if err := ring.SetActiveKid(kid); err != nil {
		return nil, err
	}
	return ring, nil
}

func keyFromSeedOrPriv(b []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	switch len(b) {
	case ed25519.SeedSize:
		priv := ed25519.NewKeyFromSeed(b)
		return priv, priv.Public().(ed25519.PublicKey), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(b)
		return priv, priv.Public().(ed25519.PublicKey), nil
	default:
		return nil, nil, fmt.Errorf("keystore: raw key must be %d (seed) or %d (full) bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(b))
	}
}

// persistentFile is the on-disk shape: {active_kid, keys: {kid: {priv, pub}}}.
type persistentFile struct {
	ActiveKid string                    `json:"active_kid"`
	Keys      map[string]persistentKey  `json:"keys"`
}

type persistentKey struct {
	Priv string `json:"priv"`
	Pub  string `json:"pub"`
}

// LoadOrCreatePersistent loads the keystore file at path, generating a fresh
// Ed25519 pair and writing the file on first use. Mirrors kms.NewLocalKMS's
// load-or-create pattern but stores Ed25519 keys rather than AES keys.
func LoadOrCreatePersistent(path string) (*KeyRing, error) {
	ring := NewKeyRing()
	ring.MarkPersistent(true)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("keystore: create dir: %w", err)
		}
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, fmt.Errorf("keystore: generate key: %w", err)
		}
		kid := "k1"
		if err := ring.AddKey(KeyPair{Kid: kid, Priv: priv, Pub: pub}); err != nil {
			return nil, err
		}
		_ = ring.SetActiveKid(kid)
		if err := persist(path, ring); err != nil {
			return nil, err
		}
		return ring, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read keystore: %w", err)
	}
	var pf persistentFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("keystore: parse keystore: %w", err)
	}
	for kid, pk := range pf.Keys {
		privBytes, err := base64.StdEncoding.DecodeString(pk.Priv)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode priv for %q: %w", kid, err)
		}
		pubBytes, err := base64.StdEncoding.DecodeString(pk.Pub)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode pub for %q: %w", kid, err)
		}
		if err := ring.AddKey(KeyPair{Kid: kid, Priv: ed25519.PrivateKey(privBytes), Pub: ed25519.PublicKey(pubBytes)}); err != nil {
			return nil, err
		}
	}
	if pf.ActiveKid != "" {
		if err := ring.SetActiveKid(pf.ActiveKid); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// Rotate generates a new Ed25519 keypair under a fresh kid, adds it to the
// ring without invalidating existing keys, makes it active, and persists
// the updated file. Mirrors kms.LocalKMS.Rotate's additive-rotation model.
func Rotate(path string, ring *KeyRing, newKid string) (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keystore: generate key: %w", err)
	}
	kp := KeyPair{Kid: newKid, Priv: priv, Pub: pub}
	if err := ring.AddKey(kp); err != nil {
		return KeyPair{}, err
	}
	if err := ring.SetActiveKid(newKid); err != nil {
		return KeyPair{}, err
	}
	if path != "" {
		if err := persist(path, ring); err != nil {
			return KeyPair{}, err
		}
	}
	return kp, nil
}

func persist(path string, ring *KeyRing) error {
	ring.mu.RLock()
	pf := persistentFile{ActiveKid: ring.activeKid, Keys: make(map[string]persistentKey, len(ring.keys))}
	for kid, kp := range ring.keys {
		pf.Keys[kid] = persistentKey{
			Priv: base64.StdEncoding.EncodeToString(kp.Priv),
			Pub:  base64.StdEncoding.EncodeToString(kp.Pub),
		}
	}
	ring.mu.RUnlock()

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal keystore: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("keystore: write keystore: %w", err)
	}
	return nil
}

// Ephemeral returns a single-use, non-persistent keypair for environments
// with no configured key source (load-order step 5).
func Ephemeral() (*KeyRing, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	ring := NewKeyRing()
	ring.MarkPersistent(false)
	if err := ring.AddKey(KeyPair{Kid: "ephemeral", Priv: priv, Pub: pub}); err != nil {
		return nil, err
	}
	_ = ring.SetActiveKid("ephemeral")
	return ring, nil
}

func decodeFlexible(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("keystore: value is neither hex nor base64/base64url")
}
