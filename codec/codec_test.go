package codec

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

type order struct {
	ID    string         `msgpack:"id"`
	Total int64          `msgpack:"total"`
	Tags  []string       `msgpack:"tags"`
	Meta  map[string]int `msgpack:"meta"`
}

func newKey(t *testing.T) string {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestRoundTripPlain(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := order{
		ID:    "ORD-12345",
		Total: 4200,
		Tags:  []string{"new", "priority"},
		Meta:  map[string]int{"a": 1, "b": 2},
	}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out order
	if err := c.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestRoundTripEncrypted(t *testing.T) {
	c, err := New(WithKey(newKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.Encrypted() {
		t.Fatal("Encrypted() = false with a configured key")
	}

	in := map[string]int{"a": 1}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Ciphertext must not leak the serialized form.
	plain, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if bytes.Contains(data, plain) {
		t.Fatal("ciphertext contains the serialized plaintext")
	}

	var out map[string]int
	if err := c.Decode(data, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: got %v, want %v", out, in)
	}
}

func TestCiphertextVariesPerCall(t *testing.T) {
	c, err := New(WithKey(newKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := c.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	second, err := c.Encode("hello")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Fatal("two encryptions of the same value produced identical bytes")
	}
}

func TestWrongKeyFailsIntegrity(t *testing.T) {
	sender, err := New(WithKey(newKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	receiver, err := New(WithKey(newKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := sender.Encode(map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out map[string]int
	err = receiver.Decode(data, &out)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Decode with wrong key = %v, want ErrIntegrity", err)
	}
	if out != nil {
		t.Fatalf("Decode with wrong key populated the target: %v", out)
	}
}

func TestTamperedBytesFailIntegrity(t *testing.T) {
	c, err := New(WithKey(newKey(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := c.Encode("payload")
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	data[len(data)/2] ^= 0xff

	var out string
	if err := c.Decode(data, &out); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("Decode of tampered bytes = %v, want ErrIntegrity", err)
	}
}

func TestMalformedPayloadIsDecodeError(t *testing.T) {
	c, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out order
	err = c.Decode([]byte{0xc1}, &out) // 0xc1 is never valid msgpack
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("Decode of malformed bytes = %v, want *DecodeError", err)
	}
	if errors.Is(err, ErrIntegrity) {
		t.Fatal("malformed payload conflated with an integrity failure")
	}
}

func TestWithKeyRejectsGarbage(t *testing.T) {
	if _, err := New(WithKey("not-a-key")); err == nil {
		t.Fatal("New accepted a malformed key")
	}
}

func TestGeneratedKeysAreDistinct(t *testing.T) {
	if newKey(t) == newKey(t) {
		t.Fatal("two generated keys are identical")
	}
}
