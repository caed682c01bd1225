package doubleratchet

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"e2e_messenger/internal/cryptographic/dh"
)

func newPair(t *testing.T) (*State, *State) {
	t.Helper()
	sk := make([]byte, 32)
	if _, err := rand.Read(sk); err != nil {
		t.Fatal(err)
	}
	spk, err := dh.NewKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	alice, err := NewInitiator(sk, spk.Pub)
	if err != nil {
		t.Fatalf("initiator: %v", err)
	}
	return alice, NewResponder(sk, spk)
}

func mustDecrypt(t *testing.T, s *State, plain string, enc func() ([]byte, error)) {
	t.Helper()
	got, err := enc()
	if err != nil {
		t.Fatalf("decrypt %q: %v", plain, err)
	}
	if string(got) != plain {
		t.Fatalf("got %q want %q", got, plain)
	}
}

func TestConversation(t *testing.T) {
	alice, bob := newPair(t)

	for round := 0; round < 3; round++ {
		m1, err := alice.Encrypt([]byte("ping"))
		if err != nil {
			t.Fatal(err)
		}
		m2, _ := alice.Encrypt([]byte("ping2"))
		mustDecrypt(t, bob, "ping", func() ([]byte, error) { return bob.Decrypt(m1) })
		mustDecrypt(t, bob, "ping2", func() ([]byte, error) { return bob.Decrypt(m2) })

		r, err := bob.Encrypt([]byte("pong"))
		if err != nil {
			t.Fatal(err)
		}
		mustDecrypt(t, alice, "pong", func() ([]byte, error) { return alice.Decrypt(r) })
	}
}

func TestOutOfOrderUsesSkippedKeys(t *testing.T) {
	alice, bob := newPair(t)
	m0, _ := alice.Encrypt([]byte("zero"))
	m1, _ := alice.Encrypt([]byte("one"))
	m2, _ := alice.Encrypt([]byte("two"))

	mustDecrypt(t, bob, "two", func() ([]byte, error) { return bob.Decrypt(m2) })
	if len(bob.SkippedKeys()) != 2 {
		t.Fatalf("expected 2 skipped keys, got %v", bob.SkippedKeys())
	}
	mustDecrypt(t, bob, "zero", func() ([]byte, error) { return bob.Decrypt(m0) })
	mustDecrypt(t, bob, "one", func() ([]byte, error) { return bob.Decrypt(m1) })
	if len(bob.SkippedKeys()) != 0 {
		t.Fatalf("skipped keys left: %v", bob.SkippedKeys())
	}
	if _, err := bob.Decrypt(m1); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("replay should fail with ErrDecrypt, got %v", err)
	}
}

func TestFailedDecryptOnCloneLeavesStateUntouched(t *testing.T) {
	alice, bob := newPair(t)
	m, _ := alice.Encrypt([]byte("hello"))
	bad := m
	bad.Ciphertext = bytes.Clone(m.Ciphertext)
	bad.Ciphertext[len(bad.Ciphertext)-1] ^= 0xff

	before, _ := json.Marshal(bob)
	c := bob.Clone()
	if _, err := c.Decrypt(bad); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
	after, _ := json.Marshal(bob)
	if !bytes.Equal(before, after) {
		t.Fatal("original state changed by failed decrypt on clone")
	}
	mustDecrypt(t, bob, "hello", func() ([]byte, error) { return bob.Decrypt(m) })
}

func TestStateSurvivesJSON(t *testing.T) {
	alice, bob := newPair(t)
	m, _ := alice.Encrypt([]byte("a"))
	mustDecrypt(t, bob, "a", func() ([]byte, error) { return bob.Decrypt(m) })

	b, err := json.Marshal(bob)
	if err != nil {
		t.Fatal(err)
	}
	var restored State
	if err := json.Unmarshal(b, &restored); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(restored.RootKey, bob.RootKey) || restored.DHr != bob.DHr {
		t.Fatal("restored state differs")
	}
	m, _ = alice.Encrypt([]byte("b"))
	mustDecrypt(t, &restored, "b", func() ([]byte, error) { return restored.Decrypt(m) })
}

func TestSkipLimit(t *testing.T) {
	alice, bob := newPair(t)
	for i := 0; i <= MaxSkip+1; i++ {
		if _, err := alice.Encrypt([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	m, _ := alice.Encrypt([]byte("far"))
	if _, err := bob.Clone().Decrypt(m); !errors.Is(err, ErrTooManySkipped) {
		t.Fatalf("expected ErrTooManySkipped, got %v", err)
	}
}
