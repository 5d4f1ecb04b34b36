package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/moble/remote-exec/common/jupyter"
	"github.com/moble/remote-exec/common/jupyter/messaging"
	"github.com/moble/remote-exec/kernelspec"
	"github.com/moble/remote-exec/session"
)

// shutdownGracePeriod is how long a kernel gets to exit on its own
// after a shutdown request before it is killed.
const shutdownGracePeriod = 5 * time.Second

// Kernel supervises one local kernel process across its launches. A
// restart tears the old process down and brings a new one up with fresh
// ports, so clients obtained before a restart are useless afterwards.
type Kernel struct {
	log logger.Logger

	id   string
	spec *kernelspec.Spec

	mu      sync.Mutex
	invoker *LocalInvoker
}

func newKernel(id string, spec *kernelspec.Spec) *Kernel {
	k := &Kernel{
		id:   id,
		spec: spec,
	}

	config.InitLogger(&k.log, k)

	return k
}

// Id returns the kernel's ID.
func (k *Kernel) Id() string {
	return k.id
}

// IsAlive reports whether the kernel process is currently running.
func (k *Kernel) IsAlive() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.invoker != nil && k.invoker.IsRunning()
}

// StartKernel launches the kernel process from scratch.
func (k *Kernel) StartKernel(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.startLocked(ctx)
}

// RestartKernel kills any existing kernel process and launches a new
// one.
func (k *Kernel) RestartKernel(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopLocked()

	return k.startLocked(ctx)
}

// ShutdownKernel asks the kernel to exit over its control channel and
// kills it if it does not comply within the grace period.
func (k *Kernel) ShutdownKernel(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.invoker == nil {
		return nil
	}

	if k.invoker.IsRunning() {
		if err := requestShutdown(ctx, k.invoker.ConnectionInfo()); err != nil {
			k.log.Warn("Shutdown request for kernel \"%s\" failed: %v", k.id, err)
		}

		if !k.invoker.WaitWithTimeout(shutdownGracePeriod) {
			k.log.Warn("Kernel \"%s\" did not exit in time; killing it", k.id)
			k.stopLocked()
			return nil
		}

		if createdAt, ok := k.invoker.KernelCreatedAt(); ok {
			k.log.Debug("Kernel \"%s\" exited after %v", k.id, time.Since(createdAt))
		}
	}

	k.invoker = nil
	return nil
}

// InterruptKernel signals the kernel process so any in-flight execution
// is abandoned. The kernel itself stays up.
func (k *Kernel) InterruptKernel() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.invoker == nil || !k.invoker.IsRunning() {
		return nil
	}

	return k.invoker.Interrupt()
}

// Client returns a fresh connection to the kernel's shell channel.
func (k *Kernel) Client() (session.KernelClient, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.invoker == nil || k.invoker.ConnectionInfo() == nil {
		return nil, jupyter.ErrKernelNotLaunched
	}

	return NewShellClient(k.invoker.ConnectionInfo())
}

func (k *Kernel) startLocked(ctx context.Context) error {
	invoker := NewLocalInvoker(k.id, k.spec)
	if _, err := invoker.InvokeWithContext(ctx); err != nil {
		return errors.Wrapf(err, "cannot launch kernel \"%s\" from spec \"%s\"", k.id, k.spec.Name)
	}

	k.invoker = invoker
	return nil
}

func (k *Kernel) stopLocked() {
	if k.invoker == nil {
		return
	}

	if err := k.invoker.Close(); err != nil && !errors.Is(err, jupyter.ErrKernelNotLaunched) {
		k.log.Warn("Failed to kill kernel \"%s\": %v", k.id, err)
	}

	k.invoker = nil
}

// requestShutdown sends a "shutdown_request" on the kernel's control
// channel and waits briefly for the acknowledging reply.
func requestShutdown(ctx context.Context, connInfo *jupyter.ConnectionInfo) error {
	socketCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := zmq4.NewDealer(socketCtx, zmq4.WithDialerTimeout(time.Millisecond*5000))
	defer socket.Close()

	if err := socket.Dial(connInfo.ControlAddress()); err != nil {
		return errors.Wrapf(err, "could not connect to kernel control socket at %s", connInfo.ControlAddress())
	}

	frames := messaging.NewJupyterFramesWithHeader(messaging.ShellShutdownRequest, uuid.NewString())
	if err := frames.EncodeContent(&messaging.ShutdownRequestContent{Restart: false}); err != nil {
		return err
	}

	signed, err := frames.Sign(connInfo.SignatureScheme, []byte(connInfo.Key))
	if err != nil {
		return err
	}

	if err := socket.Send(zmq4.Msg{Frames: signed, Type: zmq4.UsrMsg}); err != nil {
		return err
	}

	// The reply only confirms receipt; process exit is what the caller
	// actually waits on.
	received := make(chan error, 1)
	go func() {
		_, err := socket.Recv()
		received <- err
	}()

	select {
	case err := <-received:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * time.Second):
		return errors.New("timed out waiting for shutdown_reply")
	}
}
