package rpc

import (
	"time"

	"go.uber.org/zap"

	"github.com/adero/go-messaging/codec"
)

type ClientOption func(*Client)

// WithCodec replaces the default plaintext codec, typically with one
// carrying an encryption key.
func WithCodec(c *codec.Codec) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.codec = c
		}
	}
}

func WithLogger(l *zap.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// WithTimeout sets the default deadline used when Call is given a
// non-positive timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

type ServerOption func(*Server)

func WithServerCodec(c *codec.Codec) ServerOption {
	return func(s *Server) {
		if c != nil {
			s.codec = c
		}
	}
}

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWorkers dispatches handler invocations onto a pool of n workers.
// Ordering across concurrent completions is not guaranteed; each reply
// still carries its own correlation token. The default of 1 processes
// one request at a time.
func WithWorkers(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}
