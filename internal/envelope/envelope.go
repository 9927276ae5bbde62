// Package envelope wraps sensitive payloads in an access-controlled,
// tamper-evident encoding. A wrapped payload is sealed with AES-256-GCM
// under a key derived per envelope from the system master key, and can
// only be unwrapped by callers presenting a credential admitted by the
// envelope's access policy.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/engramd/engram/internal/record"
)

const (
	magic      = "EGV1"
	saltLen    = 16
	nonceLen   = 12
	digestLen  = sha256.Size
	minPadding = 64
)

// Policy is the set of credentials allowed to unwrap an envelope. The
// credentials themselves never appear in the envelope; only per-envelope
// keyed digests do, so the metadata reveals nothing about who is admitted.
type Policy struct {
	credentials [][]byte
}

// NewPolicy builds a policy admitting the given credentials.
func NewPolicy(credentials ...[]byte) Policy {
	p := Policy{}
	for _, c := range credentials {
		p.credentials = append(p.credentials, append([]byte(nil), c...))
	}
	return p
}

// Empty reports whether the policy admits nobody.
func (p Policy) Empty() bool { return len(p.credentials) == 0 }

// Sealer wraps and unwraps envelopes under a system master key.
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a Sealer. The master key must be non-empty; it is
// stretched per envelope, so any length of high-entropy secret works.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("empty master key")
	}
	return &Sealer{masterKey: append([]byte(nil), masterKey...)}, nil
}

// Wrap seals payload under the access policy. The plaintext is padded to
// a power-of-two size bucket before sealing so the envelope leaks only a
// coarse size class, never the exact payload length.
//
// Layout: magic | salt | nonce | digest count (u16) | digests | ciphertext.
// Everything before the ciphertext is bound as GCM additional data, so any
// tampering with the policy or header fails authentication on unwrap.
func (s *Sealer) Wrap(payload []byte, policy Policy) ([]byte, error) {
	if policy.Empty() {
		return nil, fmt.Errorf("policy admits no credentials")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	key := s.deriveKey(salt)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(magic)+saltLen+nonceLen+2+len(policy.credentials)*digestLen)
	header = append(header, magic...)
	header = append(header, salt...)
	header = append(header, nonce...)
	header = binary.BigEndian.AppendUint16(header, uint16(len(policy.credentials)))
	for _, cred := range policy.credentials {
		d := credentialDigest(key, cred)
		header = append(header, d...)
	}

	sealed := aead.Seal(nil, nonce, pad(payload), header)
	return append(header, sealed...), nil
}

// Unwrap validates the envelope structure, checks the caller's credential
// against the access policy, and opens the sealed payload. Callers run
// redundancy verification on the envelope bytes before calling Unwrap;
// structural validation here is not a substitute for it.
func (s *Sealer) Unwrap(env, credential []byte) ([]byte, error) {
	fixed := len(magic) + saltLen + nonceLen + 2
	if len(env) < fixed || string(env[:len(magic)]) != magic {
		return nil, fmt.Errorf("envelope header: %w", record.ErrMalformedEnvelope)
	}

	salt := env[len(magic) : len(magic)+saltLen]
	nonce := env[len(magic)+saltLen : len(magic)+saltLen+nonceLen]
	count := int(binary.BigEndian.Uint16(env[fixed-2 : fixed]))
	if count == 0 || len(env) < fixed+count*digestLen {
		return nil, fmt.Errorf("envelope policy block: %w", record.ErrMalformedEnvelope)
	}

	key := s.deriveKey(salt)
	want := credentialDigest(key, credential)
	admitted := false
	for i := 0; i < count; i++ {
		d := env[fixed+i*digestLen : fixed+(i+1)*digestLen]
		if hmac.Equal(d, want) {
			admitted = true
		}
	}
	if !admitted {
		return nil, fmt.Errorf("credential not in policy: %w", record.ErrAccessDenied)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	header := env[:fixed+count*digestLen]
	plain, err := aead.Open(nil, nonce, env[len(header):], header)
	if err != nil {
		return nil, fmt.Errorf("open sealed payload: %w", record.ErrMalformedEnvelope)
	}
	return unpad(plain)
}

func (s *Sealer) deriveKey(salt []byte) []byte {
	mac := hmac.New(sha256.New, s.masterKey)
	mac.Write([]byte("engram-envelope-key"))
	mac.Write(salt)
	return mac.Sum(nil)
}

// credentialDigest keys the digest with the per-envelope key so digests
// for the same credential differ across envelopes.
func credentialDigest(key, credential []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("engram-envelope-cred"))
	mac.Write(credential)
	return mac.Sum(nil)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

// pad prefixes the payload with its length and zero-fills to the next
// power-of-two bucket, minimum 64 bytes.
func pad(payload []byte) []byte {
	inner := 4 + len(payload)
	bucket := minPadding
	for bucket < inner {
		bucket *= 2
	}
	out := make([]byte, bucket)
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func unpad(plain []byte) ([]byte, error) {
	if len(plain) < 4 {
		return nil, fmt.Errorf("padded block truncated: %w", record.ErrMalformedEnvelope)
	}
	n := int(binary.BigEndian.Uint32(plain))
	if n > len(plain)-4 {
		return nil, fmt.Errorf("padded length %d exceeds block: %w", n, record.ErrMalformedEnvelope)
	}
	return plain[4 : 4+n], nil
}
