// Package session manages live connections to remote kernels: lazily
// started, cached by label, transparently restarted when the remote
// process dies, and driven through a synchronous execute-and-collect
// protocol that pulls selected result variables back over the kernel's
// user-expression side channel.
package session

import (
	"context"

	"github.com/moble/remote-exec/common/jupyter/messaging"
)

// SpecProvider supplies the set of kernel specification names known to
// the host environment.
type SpecProvider interface {
	ListKnownSpecNames() ([]string, error)
}

// KernelProvider starts kernel processes and hands out handles to them.
type KernelProvider interface {
	// StartKernel launches a kernel for the fully-qualified spec name and
	// returns its id.
	StartKernel(ctx context.Context, fullName string) (string, error)

	// GetKernel returns the handle for a previously started kernel.
	GetKernel(kernelId string) (KernelHandle, error)
}

// KernelHandle supervises one kernel process.
type KernelHandle interface {
	// IsAlive reports whether the kernel process is currently running.
	// It is queried on demand, never cached, since the remote process
	// can die between calls.
	IsAlive() bool

	// StartKernel launches the kernel process from scratch.
	StartKernel(ctx context.Context) error

	// RestartKernel restarts the existing kernel process.
	RestartKernel(ctx context.Context) error

	// ShutdownKernel terminates the kernel process.
	ShutdownKernel(ctx context.Context) error

	// Client returns a connection to the kernel's shell channel. A fresh
	// client must be obtained after every (re)start.
	Client() (KernelClient, error)
}

// KernelClient is a connection to one kernel's shell channel.
type KernelClient interface {
	// Execute submits code for execution along with user expressions to
	// be evaluated out-of-band, and returns the request's message id.
	Execute(code string, userExpressions map[string]string) (string, error)

	// GetReply blocks until the reply to the given request arrives, the
	// context is cancelled, or its deadline expires.
	GetReply(ctx context.Context, msgId string) (*messaging.ExecuteReply, error)

	// Close releases the connection.
	Close() error
}
