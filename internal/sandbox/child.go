package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/worklethost/auctionserver/internal/scriptengine"
	"github.com/worklethost/auctionserver/internal/status"
)

// Child runs inside the spawned sandboxee process. It owns the state
// machine (Empty -> Compiling -> Ready -> Executing -> Ready) and
// dispatches framed requests from the parent to the script engine.
type Child struct {
	mu    sync.Mutex
	state State
	cs    *scriptengine.CompiledScript
}

// NewChild returns a Child in the Empty state, ready to accept a
// Compile request; once one Compile succeeds, further Compiles are
// rejected.
func NewChild() *Child {
	return &Child{state: StateEmpty}
}

// Serve reads requests from codec until an Exit request arrives
// (returning nil after acknowledging it) or the transport fails
// (typically io.EOF when the parent closes the pipe).
func (c *Child) Serve(codec *Codec) error {
	for {
		req, err := codec.ReadRequest()
		if err != nil {
			return err
		}
		resp := c.handle(req)
		if err := codec.WriteResponse(resp); err != nil {
			return err
		}
		if req.Op == OpExit {
			return nil
		}
	}
}

func (c *Child) handle(req Request) Response {
	switch req.Op {
	case OpCompile:
		return c.handleCompile(req.Payload)
	case OpBatchExecute:
		return c.handleBatchExecute(req.Payload)
	case OpExit:
		return Response{OK: true}
	default:
		return errResponse(status.InvalidArgument, fmt.Sprintf("unknown op %q", req.Op))
	}
}

func (c *Child) handleCompile(payload json.RawMessage) Response {
	c.mu.Lock()
	if c.state != StateEmpty {
		c.mu.Unlock()
		return errResponse(status.FailedPrecondition, fmt.Sprintf("compile not legal from state %s", c.state))
	}
	c.state = StateCompiling
	c.mu.Unlock()

	var p CompilePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.setState(StateEmpty)
		return errResponse(status.InvalidArgument, "decode compile payload: "+err.Error())
	}

	role := scriptengine.RoleBidder
	if p.Role == "scorer" {
		role = scriptengine.RoleScorer
	}

	cs, err := scriptengine.Compile(role, p.Source, scriptengine.Options{})
	if err != nil {
		c.setState(StateEmpty)
		return errResponseFromErr(err)
	}

	c.mu.Lock()
	c.cs = cs
	c.state = StateReady
	c.mu.Unlock()

	return Response{OK: true}
}

func (c *Child) handleBatchExecute(payload json.RawMessage) Response {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return errResponse(status.FailedPrecondition, fmt.Sprintf("batch_execute not legal from state %s", c.state))
	}
	c.state = StateExecuting
	cs := c.cs
	c.mu.Unlock()

	defer c.setState(StateReady)

	var p BatchExecutePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return errResponse(status.InvalidArgument, "decode batch_execute payload: "+err.Error())
	}

	results, err := cs.BatchInvoke(context.Background(), p.Args)
	if err != nil {
		return errResponseFromErr(err)
	}

	payloadBytes, err := json.Marshal(BatchExecuteResult{Results: results})
	if err != nil {
		return errResponse(status.Internal, "marshal batch_execute result: "+err.Error())
	}
	return Response{OK: true, Payload: payloadBytes}
}

func (c *Child) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func errResponse(kind status.Kind, message string) Response {
	return Response{OK: false, Error: message, Kind: kind.String()}
}

func errResponseFromErr(err error) Response {
	return errResponse(status.KindOf(err), err.Error())
}
