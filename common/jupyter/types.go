package jupyter

import (
	"encoding/json"
	"fmt"
)

var (
	ErrKernelNotLaunched = fmt.Errorf("kernel not launched")
	ErrKernelNotReady    = fmt.Errorf("kernel not ready")
	ErrKernelClosed      = fmt.Errorf("kernel closed")
)

const (
	KernelStatusInitializing KernelStatus = iota - 3
	KernelStatusAbnormal
	KernelStatusRunning
	KernelStatusExited
	KernelStatusError
)

type KernelStatus int32

func (s KernelStatus) String() string {
	switch s {
	case KernelStatusInitializing:
		return "Initializing"
	case KernelStatusAbnormal:
		return "Abnormal"
	case KernelStatusRunning:
		return "Running"
	case KernelStatusExited:
		return "Exited"
	}

	return fmt.Sprintf("Error(%d)", s)
}

// ConnectionInfo stores the contents of a kernel connection file.
// The field set matches what jupyter_client writes, so a kernel started
// from a standard kernelspec can consume the file unchanged.
type ConnectionInfo struct {
	IP              string `json:"ip" name:"ip" description:"The IP address of the kernel."`
	ControlPort     int    `json:"control_port" name:"control-port" description:"The port for control messages."`
	ShellPort       int    `json:"shell_port" name:"shell-port" description:"The port for shell messages."`
	StdinPort       int    `json:"stdin_port" name:"stdin-port" description:"The port for stdin messages."`
	HBPort          int    `json:"hb_port" name:"hb-port" description:"The port for heartbeat messages."`
	IOPubPort       int    `json:"iopub_port" name:"iopub-port" description:"The port for iopub messages."`
	Transport       string `json:"transport" name:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	Key             string `json:"key"`
}

func (info *ConnectionInfo) String() string {
	m, err := json.Marshal(info)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// ShellAddress returns the dial address of the kernel's shell socket.
func (info *ConnectionInfo) ShellAddress() string {
	return fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, info.ShellPort)
}

// ControlAddress returns the dial address of the kernel's control socket.
func (info *ConnectionInfo) ControlAddress() string {
	return fmt.Sprintf("%s://%s:%d", info.Transport, info.IP, info.ControlPort)
}
