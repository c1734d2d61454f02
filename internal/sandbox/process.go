package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/worklethost/auctionserver/internal/status"
)

// sandboxeeBinaryName is the sibling executable Spawn execs: the
// cmd/worklet-sandboxee binary, expected to live next to the server
// binary in the same deployment directory.
const sandboxeeBinaryName = "worklet-sandboxee"

// Process manages one spawned sandbox child over a pair of pipes.
type Process struct {
	cmd   *exec.Cmd
	codec *Codec
}

// pipeRW adapts an *os.File read side and an *os.File write side into
// a single io.ReadWriter for the Codec.
type pipeRW struct {
	r *os.File
	w *os.File
}

func (p pipeRW) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeRW) Write(b []byte) (int, error) { return p.w.Write(b) }

// Spawn starts the sibling worklet-sandboxee binary and connects to it
// over a pair of os.Pipes. The child's resource limits (RLIMIT_AS,
// PR_SET_NO_NEW_PRIVS) are applied inside the child before it starts
// compiling anything; see cmd/worklet-sandboxee.
func Spawn(memoryLimitBytes int64) (*Process, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, status.Wrap(status.Internal, "resolve executable path", err)
	}
	sandboxeePath := filepath.Join(filepath.Dir(self), sandboxeeBinaryName)

	parentReadFromChild, childWriteToParent, err := os.Pipe()
	if err != nil {
		return nil, status.Wrap(status.Internal, "create pipe", err)
	}
	childReadFromParent, parentWriteToChild, err := os.Pipe()
	if err != nil {
		return nil, status.Wrap(status.Internal, "create pipe", err)
	}

	cmd := exec.Command(sandboxeePath)
	cmd.ExtraFiles = []*os.File{childReadFromParent, childWriteToParent}
	cmd.Env = []string{fmt.Sprintf("WORKLET_SANDBOX_MEMLIMIT=%d", memoryLimitBytes)}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, status.Wrap(status.Internal, "start sandbox child", err)
	}

	// Close the child's ends of the pipes in the parent; the parent
	// keeps the other two.
	childReadFromParent.Close()
	childWriteToParent.Close()

	codec := NewCodec(pipeRW{r: parentReadFromChild, w: parentWriteToChild})
	p := &Process{cmd: cmd, codec: codec}

	// A repository swap drops its old snapshot's entries without closing
	// them; the finalizer reaps the child once the last snapshot holding
	// this Process is collected, so refresh cycles do not accumulate
	// orphaned sandboxee processes.
	runtime.SetFinalizer(p, func(p *Process) {
		_ = p.cmd.Process.Kill()
		go p.cmd.Wait()
	})
	return p, nil
}

// Compile sends a Compile request and waits for the child's response.
func (p *Process) Compile(role string, source string) error {
	payload, err := json.Marshal(CompilePayload{Role: role, Source: source})
	if err != nil {
		return status.Wrap(status.Internal, "marshal compile payload", err)
	}
	resp, err := p.roundTrip(Request{Op: OpCompile, Payload: payload})
	if err != nil {
		return err
	}
	if !resp.OK {
		return status.New(status.ParseKind(resp.Kind), resp.Error)
	}
	return nil
}

// BatchExecute sends a BatchExecute request and returns the decoded
// per-candidate results.
func (p *Process) BatchExecute(args []json.RawMessage) (BatchExecuteResult, error) {
	payload, err := json.Marshal(BatchExecutePayload{Args: args})
	if err != nil {
		return BatchExecuteResult{}, status.Wrap(status.Internal, "marshal batch_execute payload", err)
	}
	resp, err := p.roundTrip(Request{Op: OpBatchExecute, Payload: payload})
	if err != nil {
		return BatchExecuteResult{}, err
	}
	if !resp.OK {
		return BatchExecuteResult{}, status.New(status.ParseKind(resp.Kind), resp.Error)
	}

	var result BatchExecuteResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return BatchExecuteResult{}, status.Wrap(status.Internal, "decode batch_execute result", err)
	}
	return result, nil
}

func (p *Process) roundTrip(req Request) (Response, error) {
	if err := p.codec.WriteRequest(req); err != nil {
		return Response{}, status.Wrap(status.Unavailable, "write sandbox request", err)
	}
	resp, err := p.codec.ReadResponse()
	if err != nil {
		return Response{}, status.Wrap(status.Unavailable, "read sandbox response", err)
	}
	return resp, nil
}

// Close asks the child to exit cleanly via the Exit op, falling back
// to Kill for a child too wedged to answer.
func (p *Process) Close() error {
	runtime.SetFinalizer(p, nil)

	done := make(chan error, 1)
	go func() {
		if err := p.codec.WriteRequest(Request{Op: OpExit}); err == nil {
			_, _ = p.codec.ReadResponse()
		}
		done <- p.cmd.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		return <-done
	}
}
