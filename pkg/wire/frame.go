// Package wire implements the agent RPC framing. Every message on an RPC
// stream is a canonical CBOR value prefixed with its big-endian uint32 length.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/WebFirstLanguage/polykey/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/polykey/pkg/constants"
	"github.com/fxamacker/cbor/v2"
)

// Request opens an RPC stream
type Request struct {
	V      uint16          `cbor:"v"`              // Protocol version
	ID     string          `cbor:"id"`             // Request identifier
	Method string          `cbor:"method"`         // Handler name
	TS     uint64          `cbor:"ts"`             // ms since Unix epoch
	Body   cbor.RawMessage `cbor:"body,omitempty"` // Method-specific payload
}

// Response carries one result item. Unary calls produce exactly one response
// with Done set; server streams produce any number of items followed by a
// final response with Done set and no body.
type Response struct {
	ID    string          `cbor:"id"`
	Body  cbor.RawMessage `cbor:"body,omitempty"`
	Error *Error          `cbor:"error,omitempty"`
	Done  bool            `cbor:"done"`
}

// NewRequest creates a request with an encoded body
func NewRequest(id, method string, body interface{}) (*Request, error) {
	req := &Request{
		V:      constants.ProtocolVersion,
		ID:     id,
		Method: method,
		TS:     uint64(time.Now().UnixMilli()),
	}
	if body != nil {
		raw, err := cborcanon.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s body: %w", method, err)
		}
		req.Body = raw
	}
	return req, nil
}

// Validate performs basic validation on the request
func (r *Request) Validate() error {
	if r.V != constants.ProtocolVersion {
		return NewError(constants.ErrorInvalidRequest,
			fmt.Sprintf("unsupported protocol version: %d", r.V))
	}
	if r.Method == "" {
		return NewError(constants.ErrorInvalidRequest, "missing method")
	}
	return nil
}

// DecodeBody decodes the request payload into v
func (r *Request) DecodeBody(v interface{}) error {
	if len(r.Body) == 0 {
		return NewError(constants.ErrorInvalidRequest, "missing body")
	}
	if err := cborcanon.Unmarshal(r.Body, v); err != nil {
		return NewError(constants.ErrorInvalidRequest, fmt.Sprintf("invalid body: %v", err))
	}
	return nil
}

// DecodeBody decodes the response payload into v
func (r *Response) DecodeBody(v interface{}) error {
	if err := cborcanon.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("invalid response body: %w", err)
	}
	return nil
}

// WriteFrame encodes v and writes it with a length prefix
func WriteFrame(w io.Writer, v interface{}) error {
	data, err := cborcanon.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if len(data) > constants.MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame and decodes it into v
func ReadFrame(r io.Reader, v interface{}) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > constants.MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("truncated frame: %w", err)
	}

	return cborcanon.Unmarshal(data, v)
}
