package kernel

import (
	"context"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/moble/remote-exec/common/utils/hashmap"
	"github.com/moble/remote-exec/kernelspec"
	"github.com/moble/remote-exec/session"
)

// ErrUnknownKernel is returned when a kernel ID does not correspond to
// any kernel this manager started.
var ErrUnknownKernel = errors.New("unknown kernel")

// Manager starts local kernels from installed kernelspecs and tracks
// them by ID. It is the live implementation of the provider the session
// layer is driven through.
type Manager struct {
	log logger.Logger

	specs   *kernelspec.Manager
	kernels *hashmap.CornelkMap[string, *Kernel]
}

func NewManager(specs *kernelspec.Manager) *Manager {
	m := &Manager{
		specs:   specs,
		kernels: hashmap.NewCornelkMap[string, *Kernel](32),
	}

	config.InitLogger(&m.log, m)

	return m
}

// StartKernel launches a kernel for the fully-qualified spec name and
// returns its ID.
func (m *Manager) StartKernel(ctx context.Context, fullName string) (string, error) {
	spec, err := m.specs.GetSpec(fullName)
	if err != nil {
		return "", err
	}

	kernelId := uuid.NewString()
	k := newKernel(kernelId, spec)

	if err := k.StartKernel(ctx); err != nil {
		return "", err
	}

	m.log.Debug("Started kernel \"%s\" from spec \"%s\"", kernelId, fullName)
	m.kernels.Store(kernelId, k)
	return kernelId, nil
}

// GetKernel returns the handle for a previously started kernel.
func (m *Manager) GetKernel(kernelId string) (session.KernelHandle, error) {
	k, ok := m.kernels.Load(kernelId)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKernel, "no kernel with ID \"%s\"", kernelId)
	}

	return k, nil
}

// InterruptAll signals every running kernel so in-flight executions
// are abandoned. Hosts use it before teardown, so a wedged cell does
// not stall the shutdown handshake.
func (m *Manager) InterruptAll() {
	m.kernels.Range(func(kernelId string, k *Kernel) bool {
		if err := k.InterruptKernel(); err != nil {
			m.log.Warn("Could not interrupt kernel \"%s\": %v", kernelId, err)
		}
		return true
	})
}

// CloseAll kills every kernel that is still running. Sessions normally
// shut their kernels down; this is the last-resort cleanup on host
// exit.
func (m *Manager) CloseAll() {
	m.kernels.Range(func(kernelId string, k *Kernel) bool {
		if k.IsAlive() {
			m.log.Warn("Kernel \"%s\" still running at close; killing it", kernelId)
			k.mu.Lock()
			k.stopLocked()
			k.mu.Unlock()
		}

		m.kernels.Delete(kernelId)
		return true
	})
}
