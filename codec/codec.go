// Package codec serializes application values with msgpack and,
// when a key is configured, encrypts the serialized bytes with Fernet
// (authenticated symmetric encryption). Both communicating sides must
// be built with the same key, produced once by cmd/keygen.
package codec

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrIntegrity reports that a payload could not be authenticated:
// wrong key, tampered bytes, or bytes that were never a Fernet token.
var ErrIntegrity = errors.New("codec: message failed integrity check")

// DecodeError reports malformed serialized bytes. It is distinct from
// ErrIntegrity: an authenticated payload that is not valid msgpack is
// a DecodeError, never the other way around.
type DecodeError struct {
	cause error
}

func (e *DecodeError) Error() string { return "codec: malformed payload: " + e.cause.Error() }

func (e *DecodeError) Unwrap() error { return e.cause }

// Codec is pure and stateless; a single instance is safe for
// concurrent use.
type Codec struct {
	key *fernet.Key
}

type Option func(*Codec) error

// WithKey configures the symmetric encryption key, in the encoded form
// printed by cmd/keygen.
func WithKey(encoded string) Option {
	return func(c *Codec) error {
		key, err := fernet.DecodeKey(encoded)
		if err != nil {
			return fmt.Errorf("codec: decode key: %w", err)
		}
		c.key = key
		return nil
	}
}

func New(opts ...Option) (*Codec, error) {
	c := &Codec{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Encrypted reports whether a key is configured. It drives the
// encrypted flag carried in transport headers.
func (c *Codec) Encrypted() bool { return c.key != nil }

// Marshal serializes v without touching the encryption layer.
func (c *Codec) Marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal deserializes plain (already decrypted) bytes into v.
func (c *Codec) Unmarshal(plain []byte, v any) error {
	if err := msgpack.Unmarshal(plain, v); err != nil {
		return &DecodeError{cause: err}
	}
	return nil
}

// Seal encrypts plain when a key is configured, otherwise returns it
// unchanged. Ciphertext is not stable across calls: every token gets a
// fresh IV.
func (c *Codec) Seal(plain []byte) ([]byte, error) {
	if c.key == nil {
		return plain, nil
	}
	out, err := fernet.EncryptAndSign(plain, c.key)
	if err != nil {
		return nil, fmt.Errorf("codec: encrypt: %w", err)
	}
	return out, nil
}

// Open authenticates and decrypts data when a key is configured,
// otherwise returns it unchanged. It fails with ErrIntegrity rather
// than ever handing back unverified plaintext.
func (c *Codec) Open(data []byte) ([]byte, error) {
	if c.key == nil {
		return data, nil
	}
	plain := fernet.VerifyAndDecrypt(data, 0, []*fernet.Key{c.key})
	if plain == nil {
		return nil, ErrIntegrity
	}
	return plain, nil
}

// Encode is Marshal followed by Seal.
func (c *Codec) Encode(v any) ([]byte, error) {
	plain, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.Seal(plain)
}

// Decode is Open followed by Unmarshal.
func (c *Codec) Decode(data []byte, v any) error {
	plain, err := c.Open(data)
	if err != nil {
		return err
	}
	return c.Unmarshal(plain, v)
}

// GenerateKey returns a fresh encoded key suitable for WithKey.
// Keys are generated once, out-of-band, and shared by every
// communicating pair through configuration.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("codec: generate key: %w", err)
	}
	return key.Encode(), nil
}
