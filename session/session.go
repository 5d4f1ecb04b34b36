package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/moble/remote-exec/common/jupyter/messaging"
	"github.com/moble/remote-exec/kernelspec"
	"github.com/moble/remote-exec/value"
)

const (
	// PrimingCode is executed once on every fresh or restarted kernel so
	// that the capture expression and directory changes can rely on the
	// serialization and OS modules being importable.
	PrimingCode = "import json, base64, os"

	// CaptureExpressionKey is the user-expression name under which the
	// serialized result payload is returned.
	CaptureExpressionKey = "output"

	// DefaultRequestTimeout bounds each kernel round trip. Kernels can
	// hang indefinitely; without a bound, so would we.
	DefaultRequestTimeout = 2 * time.Minute
)

const (
	StateUnstarted State = iota
	StateRunning
	StateDead
	StateShutdown
)

type State int32

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "Unstarted"
	case StateRunning:
		return "Running"
	case StateDead:
		return "Dead"
	case StateShutdown:
		return "Shutdown"
	}

	return fmt.Sprintf("State(%d)", s)
}

// Session owns one running kernel connection: it resolves the label to
// a spec, starts the kernel, primes it, and round-trips code plus a
// serialized-result capture expression on demand.
type Session struct {
	log logger.Logger

	label    string
	fullName string
	kernelId string

	provider KernelProvider
	handle   KernelHandle
	client   KernelClient

	results value.Dict
	state   State

	requestTimeout time.Duration

	// lastDirectoryErr holds the most recent failed directory change, if
	// the latest ExecuteAndCollect hit one.
	lastDirectoryErr *DirectoryChangeError
}

// Create resolves label against knownSpecs, starts a kernel for the
// resolved spec via provider, and primes it. Any failure is returned as
// a *kernelspec.ResolutionError or *StartError and nothing is cached.
func Create(ctx context.Context, label string, knownSpecs []string, provider KernelProvider) (*Session, error) {
	fullName, err := kernelspec.Resolve(label, knownSpecs)
	if err != nil {
		return nil, err
	}

	s := &Session{
		label:          label,
		fullName:       fullName,
		provider:       provider,
		results:        make(value.Dict),
		requestTimeout: DefaultRequestTimeout,
	}

	config.InitLogger(&s.log, fmt.Sprintf("Session %s ", label))

	s.log.Debug("Resolved label \"%s\" to kernel spec \"%s\". Starting kernel now.", label, fullName)

	kernelId, err := provider.StartKernel(ctx, fullName)
	if err != nil {
		return nil, &StartError{Label: label, FullName: fullName, Cause: err}
	}
	s.kernelId = kernelId

	handle, err := provider.GetKernel(kernelId)
	if err != nil {
		return nil, &StartError{Label: label, FullName: fullName, Cause: err}
	}
	s.handle = handle

	if err := s.connectAndPrime(ctx); err != nil {
		return nil, &StartError{Label: label, FullName: fullName, Cause: err}
	}

	s.state = StateRunning
	s.log.Debug("Kernel \"%s\" (id=%s) started and primed.", fullName, kernelId)

	return s, nil
}

// Label returns the short name the user referred to this session by.
func (s *Session) Label() string {
	return s.label
}

// FullName returns the resolved kernel specification name.
func (s *Session) FullName() string {
	return s.fullName
}

// KernelId returns the id assigned by the kernel provider.
func (s *Session) KernelId() string {
	return s.kernelId
}

// State returns the session's lifecycle state. Liveness itself is not
// cached; see EnsureLive.
func (s *Session) State() State {
	return s.state
}

// SetRequestTimeout overrides the per-round-trip bound.
func (s *Session) SetRequestTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.requestTimeout = timeout
	}
}

// Results returns the captured result variables from the most recent
// successful execution, merged over earlier ones.
func (s *Session) Results() value.Dict {
	return s.results
}

// Result resolves one captured variable by name.
func (s *Session) Result(name string) (value.Value, bool) {
	return s.results.Get(name)
}

// LastDirectoryChangeError returns the directory-change failure from
// the most recent ExecuteAndCollect call, if there was one.
func (s *Session) LastDirectoryChangeError() *DirectoryChangeError {
	return s.lastDirectoryErr
}

// EnsureLive queries the kernel's liveness and transparently restarts a
// dead kernel: started fresh if it never ran, restarted otherwise, then
// re-primed. Failures are returned as *RestartError.
func (s *Session) EnsureLive(ctx context.Context) error {
	if s.state == StateShutdown {
		return ErrSessionShutdown
	}

	if s.handle.IsAlive() {
		s.state = StateRunning
		return nil
	}

	wasUnstarted := s.state == StateUnstarted
	s.state = StateDead
	s.log.Warn("Kernel \"%s\" (id=%s) is not alive. Restarting.", s.fullName, s.kernelId)

	var err error
	if wasUnstarted {
		err = s.handle.StartKernel(ctx)
	} else {
		err = s.handle.RestartKernel(ctx)
	}
	if err != nil {
		return &RestartError{Label: s.label, FullName: s.fullName, Cause: err}
	}

	if err := s.connectAndPrime(ctx); err != nil {
		return &RestartError{Label: s.label, FullName: s.fullName, Cause: err}
	}

	s.state = StateRunning
	return nil
}

// ExecuteAndCollect runs code on the kernel and merges the requested
// output variables into the session's captured results.
//
// The capture expression is evaluated by the kernel as a user
// expression alongside the primary code, so arbitrary multi-statement
// code runs while a chosen subset of resulting variables comes back in
// the same round trip.
//
// A failed directory change is recorded on the session and logged, and
// execution still proceeds: the code then runs in whatever directory
// the kernel was already in, matching the historical behavior of the
// notebook extension this descends from.
func (s *Session) ExecuteAndCollect(ctx context.Context, code string, directory string, outputNames []string) error {
	s.lastDirectoryErr = nil

	if err := s.EnsureLive(ctx); err != nil {
		return err
	}

	if directory != "" {
		if err := s.changeDirectory(ctx, directory); err != nil {
			return err
		}
	}

	expr := captureExpression(outputNames)

	msgId, err := s.client.Execute(code, map[string]string{CaptureExpressionKey: expr})
	if err != nil {
		return &ExecutionError{Label: s.label, FullName: s.fullName, ErrName: "TransportError", ErrValue: err.Error()}
	}

	reply, err := s.getReply(ctx, msgId, "execute")
	if err != nil {
		return err
	}

	if !reply.Ok() {
		return &ExecutionError{
			Label:    s.label,
			FullName: s.fullName,
			ErrName:  reply.Content.ErrName,
			ErrValue: reply.Content.ErrValue,
		}
	}

	captured, err := decodeCapturePayload(reply.Content.UserExpressions[CaptureExpressionKey])
	if err != nil {
		return &ExecutionError{Label: s.label, FullName: s.fullName, ErrName: "PayloadError", ErrValue: err.Error()}
	}

	s.results.Merge(captured)
	return nil
}

// Shutdown terminates the kernel. The session is terminal afterwards: a
// second call is a no-op, and a new session must be constructed to
// reconnect under the same label.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.state == StateShutdown {
		return nil
	}
	s.state = StateShutdown

	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}

	s.log.Debug("Shutting down kernel \"%s\" (id=%s).", s.fullName, s.kernelId)
	return s.handle.ShutdownKernel(ctx)
}

func (s *Session) connectAndPrime(ctx context.Context) error {
	if s.client != nil {
		_ = s.client.Close()
	}

	client, err := s.handle.Client()
	if err != nil {
		return err
	}
	s.client = client

	msgId, err := client.Execute(PrimingCode, nil)
	if err != nil {
		return err
	}

	reply, err := s.getReply(ctx, msgId, "priming")
	if err != nil {
		return err
	}

	if !reply.Ok() {
		return fmt.Errorf("priming exchange failed: %s: %s", reply.Content.ErrName, reply.Content.ErrValue)
	}

	return nil
}

func (s *Session) changeDirectory(ctx context.Context, directory string) error {
	msgId, err := s.client.Execute(fmt.Sprintf("os.chdir(%q)", directory), nil)
	if err != nil {
		s.recordDirectoryError(directory, "TransportError", err.Error())
		return nil
	}

	reply, err := s.getReply(ctx, msgId, "chdir")
	if err != nil {
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			return err
		}

		s.recordDirectoryError(directory, "TransportError", err.Error())
		return nil
	}

	if !reply.Ok() {
		s.recordDirectoryError(directory, reply.Content.ErrName, reply.Content.ErrValue)
	}

	return nil
}

func (s *Session) recordDirectoryError(directory string, errName string, errValue string) {
	dirErr := &DirectoryChangeError{
		Label:     s.label,
		Directory: directory,
		ErrName:   errName,
		ErrValue:  errValue,
	}
	s.lastDirectoryErr = dirErr
	s.log.Warn("%v", dirErr)
}

func (s *Session) getReply(ctx context.Context, msgId string, operation string) (reply *messaging.ExecuteReply, err error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	reply, err = s.client.GetReply(ctx, msgId)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Label: s.label, Operation: operation, Cause: err}
		}
		return nil, err
	}

	return reply, nil
}

// captureExpression builds the serialization expression evaluated by
// the kernel: a JSON object holding exactly the requested variables,
// base64-encoded so the text/plain representation survives the trip
// back unambiguously. Zero names still produce a legal, empty payload.
func captureExpression(outputNames []string) string {
	var entries strings.Builder
	for i, name := range outputNames {
		if i > 0 {
			entries.WriteString(",")
		}
		entries.WriteString(fmt.Sprintf("%q:%s", name, name))
	}

	return fmt.Sprintf(`base64.b64encode(json.dumps({%s}).encode("utf-8")).decode("ascii")`, entries.String())
}

// decodeCapturePayload unwraps the kernel's text/plain representation
// of the capture expression: a repr-quoted base64 string containing the
// JSON-serialized result mapping.
func decodeCapturePayload(result *messaging.UserExpressionResult) (value.Dict, error) {
	if result == nil {
		return nil, fmt.Errorf("reply carried no %q user expression", CaptureExpressionKey)
	}

	if result.Status != "" && result.Status != messaging.MessageStatusOK {
		return nil, fmt.Errorf("capture expression failed remotely: %s: %s", result.ErrName, result.ErrValue)
	}

	text, ok := result.TextPlain()
	if !ok {
		return nil, fmt.Errorf("capture expression result carried no text/plain data")
	}

	text = strings.TrimSpace(text)
	if len(text) >= 2 && (text[0] == '\'' || text[0] == '"') && text[len(text)-1] == text[0] {
		text = text[1 : len(text)-1]
	}

	payload, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("capture payload is not valid base64: %v", err)
	}

	return value.DecodeDict(payload)
}
