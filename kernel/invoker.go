// Package kernel launches Jupyter kernel processes on the local machine
// and exposes handles through which sessions drive them: liveness
// checks, restarts, shutdown, and ZeroMQ shell-channel clients.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"

	"github.com/moble/remote-exec/common/jupyter"
	"github.com/moble/remote-exec/common/jupyter/messaging"
	"github.com/moble/remote-exec/kernelspec"
)

const (
	ConnectionFileFormat = "connection-%s-*.json" // "*" is a placeholder for random string
)

// LocalInvoker launches one local Jupyter kernel process from a
// kernelspec and supervises it until it exits.
type LocalInvoker struct {
	log logger.Logger

	// connInfo is the Jupyter connection info used to communicate with
	// the kernel.
	connInfo *jupyter.ConnectionInfo

	cmd    *exec.Cmd
	spec   *kernelspec.Spec
	closed chan struct{}

	// kernelId is the ID of the target kernel.
	kernelId string

	// connectionFile is the path of the temporary connection file handed
	// to the kernel process.
	connectionFile string

	createdAt time.Time
	closedAt  time.Time

	status jupyter.KernelStatus
}

func NewLocalInvoker(kernelId string, spec *kernelspec.Spec) *LocalInvoker {
	invoker := &LocalInvoker{
		kernelId: kernelId,
		spec:     spec,
	}

	config.InitLogger(&invoker.log, invoker)

	return invoker
}

// InvokeWithContext reserves ports, writes the connection file, and
// starts the kernel process. The context covers launch preparation
// only; the process itself outlives it and is stopped through Shutdown
// or Close.
func (ivk *LocalInvoker) InvokeWithContext(ctx context.Context) (*jupyter.ConnectionInfo, error) {
	ivk.closed = make(chan struct{})
	ivk.status = jupyter.KernelStatusInitializing

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Looking for available ports.
	connectionInfo, err := ivk.prepareConnectionFile()
	if err != nil {
		ivk.log.Debug("Error while preparing connection file: %v.", err)
		ivk.status = jupyter.KernelStatusAbnormal
		return nil, err
	}

	// Write connection file and replace placeholders within the command line.
	path, err := ivk.writeConnectionFile(connectionInfo)
	if err != nil {
		ivk.log.Debug("Error while writing connection file: %v.", err)
		ivk.status = jupyter.KernelStatusAbnormal
		return nil, err
	}
	ivk.connectionFile = path

	argv := make([]string, len(ivk.spec.Argv))
	for i, arg := range ivk.spec.Argv {
		argv[i] = strings.ReplaceAll(arg, "{connection_file}", path)
	}

	ivk.log.Debug("Launching kernel \"%s\"", strings.Join(argv, " "))
	if err := ivk.launchKernel(argv); err != nil {
		ivk.status = jupyter.KernelStatusAbnormal
		return nil, err
	}

	ivk.connInfo = connectionInfo
	ivk.status = jupyter.KernelStatusRunning
	return connectionInfo, nil
}

// ConnectionInfo returns the connection info of the launched kernel.
func (ivk *LocalInvoker) ConnectionInfo() *jupyter.ConnectionInfo {
	return ivk.connInfo
}

func (ivk *LocalInvoker) Status() (jupyter.KernelStatus, error) {
	if ivk.cmd == nil {
		return 0, jupyter.ErrKernelNotLaunched
	}

	return ivk.status, nil
}

// IsRunning reports whether the kernel process is still alive.
func (ivk *LocalInvoker) IsRunning() bool {
	return ivk.cmd != nil && ivk.status == jupyter.KernelStatusRunning
}

// Interrupt delivers the kernelspec's interrupt signal to the kernel.
func (ivk *LocalInvoker) Interrupt() error {
	if ivk.cmd == nil {
		return jupyter.ErrKernelNotLaunched
	}

	ivk.log.Debug("Signaling kernel %s...", ivk.kernelId)
	return ivk.cmd.Process.Signal(syscall.SIGINT)
}

// Close kills the kernel process outright.
func (ivk *LocalInvoker) Close() error {
	if ivk.cmd == nil {
		return jupyter.ErrKernelNotLaunched
	}

	select {
	case <-ivk.closed:
		ivk.cleanupConnectionFile()
		return nil
	default:
	}

	ivk.log.Debug("Killing kernel %s...", ivk.kernelId)
	err := ivk.cmd.Process.Kill()
	if err != nil {
		ivk.log.Error("Error while attempting to kill process: %v", err)
		return err
	}

	return nil
}

// Wait blocks until the kernel process exits.
func (ivk *LocalInvoker) Wait() (jupyter.KernelStatus, error) {
	if ivk.cmd == nil {
		return 0, jupyter.ErrKernelNotLaunched
	}

	<-ivk.closed
	return ivk.Status()
}

// WaitWithTimeout blocks until the kernel process exits or the timeout
// elapses, and reports whether it exited.
func (ivk *LocalInvoker) WaitWithTimeout(timeout time.Duration) bool {
	if ivk.cmd == nil {
		return true
	}

	select {
	case <-ivk.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (ivk *LocalInvoker) prepareConnectionFile() (*jupyter.ConnectionInfo, error) {
	connectionInfo := &jupyter.ConnectionInfo{
		IP:              "127.0.0.1",
		Transport:       "tcp",
		SignatureScheme: messaging.JupyterSignatureScheme,
		Key:             uuid.NewString(),
	}

	// Reserve ports for the kernel.
	socks := make([]net.Listener, 5)
	for i := 0; i < len(socks); i++ {
		conn, err := net.Listen("tcp", fmt.Sprintf("%s:0", connectionInfo.IP))
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		socks[i] = conn
	}

	// After all sockets are created, assign ports to connectionInfo.
	connectionInfo.ControlPort = socks[0].Addr().(*net.TCPAddr).Port
	connectionInfo.ShellPort = socks[1].Addr().(*net.TCPAddr).Port
	connectionInfo.StdinPort = socks[2].Addr().(*net.TCPAddr).Port
	connectionInfo.IOPubPort = socks[3].Addr().(*net.TCPAddr).Port
	connectionInfo.HBPort = socks[4].Addr().(*net.TCPAddr).Port
	return connectionInfo, nil
}

func (ivk *LocalInvoker) writeConnectionFile(info *jupyter.ConnectionInfo) (string, error) {
	jsonContent, err := json.Marshal(info)
	if err != nil {
		ivk.log.Error("Failed to marshal connection info because: %v", err)
		return "", err
	}

	f, err := os.CreateTemp("", fmt.Sprintf(ConnectionFileFormat, ivk.kernelId))
	if err != nil {
		ivk.log.Error("CreateTemp(\"%s\", \"%s\") failed because: %v",
			os.TempDir(), fmt.Sprintf(ConnectionFileFormat, ivk.kernelId), err)
		return "", err
	}
	defer f.Close()

	ivk.log.Debug("Writing connection info for kernel \"%s\" to file \"%s\"", ivk.kernelId, f.Name())
	if _, err = f.Write(jsonContent); err != nil {
		ivk.log.Error("Failed to write connection info to file \"%s\" because: %v", f.Name(), err)
		return "", err
	}

	if err := os.Chmod(f.Name(), 0600); err != nil {
		return "", err
	}

	return f.Name(), nil
}

func (ivk *LocalInvoker) launchKernel(argv []string) error {
	ivk.log.Debug("Starting kernel %s...", ivk.kernelId)
	ivk.cmd = exec.Command(argv[0], argv[1:]...)
	ivk.cmd.Stdout = os.Stdout
	ivk.cmd.Stderr = os.Stderr

	if len(ivk.spec.Env) > 0 {
		env := os.Environ()
		for key, value := range ivk.spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", key, value))
		}
		ivk.cmd.Env = env
	}

	if err := ivk.cmd.Start(); err != nil {
		return err
	}

	go func() {
		if err := ivk.cmd.Wait(); err != nil {
			ivk.log.Debug("kernel %s exited with error: %v", ivk.kernelId, err)
		}
		ivk.closedAt = time.Now()
		switch exitCode := ivk.cmd.ProcessState.ExitCode(); {
		case exitCode == 0:
			ivk.status = jupyter.KernelStatusExited
		case exitCode < 0:
			// Killed by a signal.
			ivk.status = jupyter.KernelStatusAbnormal
		default:
			ivk.status = jupyter.KernelStatus(exitCode)
		}
		ivk.cleanupConnectionFile()
		close(ivk.closed)
	}()

	ivk.createdAt = time.Now()

	return nil
}

func (ivk *LocalInvoker) cleanupConnectionFile() {
	if ivk.connectionFile == "" {
		return
	}

	if err := os.Remove(ivk.connectionFile); err != nil && !os.IsNotExist(err) {
		ivk.log.Warn("Failed to remove connection file \"%s\": %v", ivk.connectionFile, err)
	}
	ivk.connectionFile = ""
}

// KernelCreatedAt returns the time at which the invoker started the
// kernel process.
func (ivk *LocalInvoker) KernelCreatedAt() (time.Time, bool) {
	if ivk.cmd == nil {
		return time.Time{}, false
	}

	return ivk.createdAt, true
}
