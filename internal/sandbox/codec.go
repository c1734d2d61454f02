// Package sandbox provides process-level isolation for script
// compilation and invocation: a separate worklet-sandboxee child
// process runs the script engine behind a small request/response
// protocol, so a script that manages to escape the goja runtime still
// only compromises a throwaway child, not the auction server itself.
//
// The wire framing is grounded on oriys-nova's vsockpb.Codec (4-byte
// big-endian length-prefixed messages over a stream connection); this
// repo encodes payloads as JSON rather than protobuf since no .proto
// is compiled here (see DESIGN.md for the rationale).
package sandbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxMessageBytes caps one framed message, matching vsockpb's ceiling.
const maxMessageBytes = 8 * 1024 * 1024

// Op identifies the operation carried by a Request.
type Op string

const (
	OpCompile      Op = "compile"
	OpBatchExecute Op = "batch_execute"
	OpExit         Op = "exit"
)

// Request is one framed message sent from parent to child.
type Request struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// Response is one framed message sent from child to parent.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CompilePayload is OpCompile's request payload.
type CompilePayload struct {
	Role   string `json:"role"`
	Source string `json:"source"`
}

// BatchExecutePayload is OpBatchExecute's request payload: one JSON
// argument array per candidate invocation.
type BatchExecutePayload struct {
	Args []json.RawMessage `json:"args"`
}

// BatchExecuteResult is OpBatchExecute's response payload: exactly one
// result per request argument, in the same order. A batch that fails
// partway produces an error Response instead (the engine's batch
// contract short-circuits with no partial results), so Results is only
// ever complete.
type BatchExecuteResult struct {
	Results []json.RawMessage `json:"results"`
}

// Codec reads and writes length-prefixed JSON frames over rw.
type Codec struct {
	rw io.ReadWriter
}

// NewCodec wraps a connected pipe pair (or any ReadWriter) in a codec.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{rw: rw}
}

// WriteRequest frames and writes a Request.
func (c *Codec) WriteRequest(req Request) error {
	return c.writeFrame(req)
}

// ReadRequest reads and unframes one Request.
func (c *Codec) ReadRequest() (Request, error) {
	var req Request
	err := c.readFrame(&req)
	return req, err
}

// WriteResponse frames and writes a Response.
func (c *Codec) WriteResponse(resp Response) error {
	return c.writeFrame(resp)
}

// ReadResponse reads and unframes one Response.
func (c *Codec) ReadResponse() (Response, error) {
	var resp Response
	err := c.readFrame(&resp)
	return resp, err
}

func (c *Codec) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sandbox codec marshal: %w", err)
	}
	if len(data) > maxMessageBytes {
		return fmt.Errorf("sandbox codec message too large: %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	_, err = c.rw.Write(buf)
	return err
}

func (c *Codec) readFrame(v interface{}) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.rw, lenBuf); err != nil {
		return err
	}

	msgLen := binary.BigEndian.Uint32(lenBuf)
	if msgLen > maxMessageBytes {
		return fmt.Errorf("sandbox codec message too large: %d bytes", msgLen)
	}

	data := make([]byte, msgLen)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}
