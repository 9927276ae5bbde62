package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/engramd/engram/internal/record"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte("test-master-key"))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestWrapUnwrap(t *testing.T) {
	s := testSealer(t)
	payload := []byte("the user's api token lives here")
	cred := []byte("agent-7")

	env, err := s.Wrap(payload, NewPolicy(cred))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	got, err := s.Unwrap(env, cred)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("unwrapped = %q, want %q", got, payload)
	}
}

func TestUnwrapDeniesUnknownCredential(t *testing.T) {
	s := testSealer(t)
	env, err := s.Wrap([]byte("secret"), NewPolicy([]byte("alice")))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	_, err = s.Unwrap(env, []byte("mallory"))
	if !errors.Is(err, record.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}
}

func TestUnwrapMultipleCredentials(t *testing.T) {
	s := testSealer(t)
	a, b := []byte("alice"), []byte("bob")
	env, err := s.Wrap([]byte("shared"), NewPolicy(a, b))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	for _, cred := range [][]byte{a, b} {
		if _, err := s.Unwrap(env, cred); err != nil {
			t.Errorf("Unwrap(%s): %v", cred, err)
		}
	}
}

func TestUnwrapRejectsTamperedCiphertext(t *testing.T) {
	s := testSealer(t)
	cred := []byte("alice")
	env, err := s.Wrap([]byte("secret"), NewPolicy(cred))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	env[len(env)-1] ^= 0xFF
	_, err = s.Unwrap(env, cred)
	if !errors.Is(err, record.ErrMalformedEnvelope) {
		t.Fatalf("err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestUnwrapRejectsGarbage(t *testing.T) {
	s := testSealer(t)
	for _, env := range [][]byte{nil, []byte("x"), []byte("not an envelope at all")} {
		if _, err := s.Unwrap(env, []byte("alice")); !errors.Is(err, record.ErrMalformedEnvelope) {
			t.Errorf("Unwrap(%d bytes): err = %v, want ErrMalformedEnvelope", len(env), err)
		}
	}
}

func TestPaddingMasksLength(t *testing.T) {
	s := testSealer(t)
	cred := []byte("alice")

	short, err := s.Wrap([]byte("ab"), NewPolicy(cred))
	if err != nil {
		t.Fatalf("Wrap short: %v", err)
	}
	longer, err := s.Wrap([]byte("abcdefghij"), NewPolicy(cred))
	if err != nil {
		t.Fatalf("Wrap longer: %v", err)
	}

	// Both fall in the same size bucket, so envelope sizes match.
	if len(short) != len(longer) {
		t.Errorf("envelope sizes differ (%d vs %d); padding leaks length", len(short), len(longer))
	}
}

func TestWrapRequiresPolicy(t *testing.T) {
	s := testSealer(t)
	if _, err := s.Wrap([]byte("x"), Policy{}); err == nil {
		t.Error("expected error for empty policy")
	}
}
