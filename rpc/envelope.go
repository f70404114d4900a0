package rpc

import "github.com/vmihailenco/msgpack/v5"

// response is the reply-side payload: success or application failure,
// with the handler result kept raw so the caller decides the target
// type. It travels through the codec like any other value, so it is
// encrypted whenever requests are.
type response struct {
	OK     bool               `msgpack:"ok"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
	Error  string             `msgpack:"error,omitempty"`
}
