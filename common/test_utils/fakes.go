package test_utils

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/moble/remote-exec/common/jupyter/messaging"
	"github.com/moble/remote-exec/session"
)

// ReplyHandler computes the reply an in-memory kernel returns for a
// single execute request.
type ReplyHandler func(code string, userExpressions map[string]string) *messaging.ExecuteReply

// ExecuteCall records one request sent through a FakeKernelClient.
type ExecuteCall struct {
	Code            string
	UserExpressions map[string]string
}

// FakeSpecProvider serves a fixed list of kernelspec names.
type FakeSpecProvider struct {
	Names []string
	Err   error
}

func (p *FakeSpecProvider) ListKnownSpecNames() ([]string, error) {
	if p.Err != nil {
		return nil, p.Err
	}

	return p.Names, nil
}

// FakeKernelProvider hands out in-memory kernel handles and remembers
// every kernel it started, keyed by kernel ID.
type FakeKernelProvider struct {
	mu         sync.Mutex
	Handles    map[string]*FakeKernelHandle
	StartCount int
	StartErr   error

	// NewHandle builds the handle for the next StartKernel call.
	// Defaults to NewFakeKernelHandle.
	NewHandle func() *FakeKernelHandle
}

func NewFakeKernelProvider() *FakeKernelProvider {
	return &FakeKernelProvider{
		Handles:   make(map[string]*FakeKernelHandle),
		NewHandle: NewFakeKernelHandle,
	}
}

func (p *FakeKernelProvider) StartKernel(_ context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.StartErr != nil {
		return "", p.StartErr
	}

	kernelId := uuid.NewString()
	p.Handles[kernelId] = p.NewHandle()
	p.StartCount += 1

	return kernelId, nil
}

func (p *FakeKernelProvider) GetKernel(kernelId string) (session.KernelHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.Handles[kernelId]
	if !ok {
		return nil, fmt.Errorf("no kernel with ID \"%s\"", kernelId)
	}

	return handle, nil
}

// FakeKernelHandle is an in-memory stand-in for a launched kernel
// process. Liveness and failure modes are plain fields so tests can
// flip them mid-scenario.
type FakeKernelHandle struct {
	Alive     bool
	Starts    int
	Restarts  int
	Shutdowns int

	StartErr    error
	RestartErr  error
	ShutdownErr error
	ClientErr   error

	Conn *FakeKernelClient
}

func NewFakeKernelHandle() *FakeKernelHandle {
	return &FakeKernelHandle{
		Alive: true,
		Conn:  NewFakeKernelClient(),
	}
}

func (h *FakeKernelHandle) IsAlive() bool {
	return h.Alive
}

func (h *FakeKernelHandle) StartKernel(_ context.Context) error {
	if h.StartErr != nil {
		return h.StartErr
	}

	h.Starts += 1
	h.Alive = true
	return nil
}

func (h *FakeKernelHandle) RestartKernel(_ context.Context) error {
	if h.RestartErr != nil {
		return h.RestartErr
	}

	h.Restarts += 1
	h.Alive = true
	return nil
}

// ShutdownKernel counts every attempt, including ones that fail.
func (h *FakeKernelHandle) ShutdownKernel(_ context.Context) error {
	h.Shutdowns += 1

	if h.ShutdownErr != nil {
		return h.ShutdownErr
	}

	h.Alive = false
	return nil
}

func (h *FakeKernelHandle) Client() (session.KernelClient, error) {
	if h.ClientErr != nil {
		return nil, h.ClientErr
	}

	return h.Conn, nil
}

// FakeKernelClient answers execute requests synchronously from its
// Handler. With Silent set, requests are accepted but never answered,
// so GetReply blocks until its context expires.
type FakeKernelClient struct {
	mu         sync.Mutex
	seq        int
	replies    map[string]*messaging.ExecuteReply
	Calls      []ExecuteCall
	Handler    ReplyHandler
	Silent     bool
	CloseCount int
}

func NewFakeKernelClient() *FakeKernelClient {
	return &FakeKernelClient{
		replies: make(map[string]*messaging.ExecuteReply),
		Handler: DefaultReplyHandler,
	}
}

func (c *FakeKernelClient) Execute(code string, userExpressions map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq += 1
	msgId := fmt.Sprintf("msg-%d", c.seq)
	c.Calls = append(c.Calls, ExecuteCall{Code: code, UserExpressions: userExpressions})

	if !c.Silent {
		c.replies[msgId] = c.Handler(code, userExpressions)
	}

	return msgId, nil
}

func (c *FakeKernelClient) GetReply(ctx context.Context, msgId string) (*messaging.ExecuteReply, error) {
	c.mu.Lock()
	reply, ok := c.replies[msgId]
	c.mu.Unlock()

	if !ok {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return reply, nil
}

func (c *FakeKernelClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CloseCount += 1
	return nil
}

// Codes returns the code of every request sent so far, in order.
func (c *FakeKernelClient) Codes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make([]string, 0, len(c.Calls))
	for _, call := range c.Calls {
		codes = append(codes, call.Code)
	}

	return codes
}

// OkReply builds a bare successful execute reply.
func OkReply() *messaging.ExecuteReply {
	return &messaging.ExecuteReply{
		Content: messaging.ExecuteReplyContent{
			Status: messaging.MessageStatusOK,
		},
	}
}

// ErrorReply builds a failed execute reply carrying the given remote
// exception name and value.
func ErrorReply(errName string, errValue string) *messaging.ExecuteReply {
	return &messaging.ExecuteReply{
		Content: messaging.ExecuteReplyContent{
			Status:    messaging.MessageStatusError,
			ErrName:   errName,
			ErrValue:  errValue,
			Traceback: []string{fmt.Sprintf("%s: %s", errName, errValue)},
		},
	}
}

// PayloadReply builds a successful reply whose capture expression
// evaluated to the given JSON document, encoded the way a live kernel
// would render it: the repr of a base64-encoded string.
func PayloadReply(jsonText string) *messaging.ExecuteReply {
	encoded := base64.StdEncoding.EncodeToString([]byte(jsonText))

	return &messaging.ExecuteReply{
		Content: messaging.ExecuteReplyContent{
			Status: messaging.MessageStatusOK,
			UserExpressions: map[string]*messaging.UserExpressionResult{
				session.CaptureExpressionKey: {
					Status: messaging.MessageStatusOK,
					Data: map[string]string{
						"text/plain": "'" + encoded + "'",
					},
				},
			},
		},
	}
}

// DefaultReplyHandler answers every request with an empty capture
// payload.
func DefaultReplyHandler(_ string, userExpressions map[string]string) *messaging.ExecuteReply {
	if _, ok := userExpressions[session.CaptureExpressionKey]; ok {
		return PayloadReply("{}")
	}

	return OkReply()
}

// ChdirAwareHandler wraps another handler so that os.chdir calls fail
// with a FileNotFoundError when the target directory does not exist on
// the local filesystem.
func ChdirAwareHandler(next ReplyHandler) ReplyHandler {
	return func(code string, userExpressions map[string]string) *messaging.ExecuteReply {
		if directory, ok := chdirTarget(code); ok {
			if _, err := os.Stat(directory); err != nil {
				return ErrorReply("FileNotFoundError",
					fmt.Sprintf("[Errno 2] No such file or directory: '%s'", directory))
			}
		}

		return next(code, userExpressions)
	}
}

func chdirTarget(code string) (string, bool) {
	rest, found := strings.CutPrefix(code, `os.chdir("`)
	if !found {
		return "", false
	}

	directory, found := strings.CutSuffix(rest, `")`)
	return directory, found
}
