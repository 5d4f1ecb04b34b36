// Package magic implements the interactive command surface: it parses a
// remote_exec invocation line, resolves kernel labels and input
// mappings through the host namespace, drives the batch executor, and
// binds one result object per label back into the namespace.
package magic

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/pkg/errors"

	"github.com/moble/remote-exec/batch"
	"github.com/moble/remote-exec/session"
)

var (
	// ErrKernelsRequired is returned when an invocation names no kernels.
	ErrKernelsRequired = errors.New("the -k/--kernels argument is required")

	// ErrNothingToDo is returned when an invocation carries neither code
	// nor the shutdown flag.
	ErrNothingToDo = errors.New("no code to execute and no shutdown requested")
)

// UnknownVariableError reports a namespace lookup that found nothing.
type UnknownVariableError struct {
	Name string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("no variable named %q in local variables", e.Name)
}

// Namespace is the host environment's variable store: the source of
// indirected arguments and the destination of per-label results.
type Namespace interface {
	// Lookup returns the value bound to name, if any.
	Lookup(name string) (interface{}, bool)

	// Bind binds value to name, replacing any previous binding.
	Bind(name string, value interface{})
}

// Command is one parsed remote_exec invocation.
type Command struct {
	// Kernels are the raw kernel arguments: labels, each optionally
	// suffixed with ":directory", or a single "{var}" indirection.
	Kernels []string

	// Outputs are the variable names captured from each kernel.
	Outputs []string

	// Inputs are the namespace names of the per-label substitution
	// mappings.
	Inputs []string

	// Shutdown requests the listed sessions be shut down before any
	// code runs.
	Shutdown bool

	// Code is the complete code body: line-mode words, then the cell.
	Code string
}

// ParseCommand parses an invocation line and cell body. Words on the
// line after the flags are code, prepended to the cell.
func ParseCommand(line string, cell string) (*Command, error) {
	cmd := &Command{}

	var kernels, outputs, inputs string

	flags := flag.NewFlagSet("remote_exec", flag.ContinueOnError)
	flags.StringVar(&kernels, "k", "", "")
	flags.StringVar(&kernels, "kernels", "", "")
	flags.StringVar(&outputs, "o", "", "")
	flags.StringVar(&outputs, "output", "", "")
	flags.StringVar(&inputs, "i", "", "")
	flags.StringVar(&inputs, "input", "", "")
	flags.BoolVar(&cmd.Shutdown, "s", false, "")
	flags.BoolVar(&cmd.Shutdown, "shutdown", false, "")

	if err := flags.Parse(strings.Fields(line)); err != nil {
		return nil, err
	}

	if kernels == "" {
		return nil, ErrKernelsRequired
	}

	cmd.Kernels = splitList(kernels)
	cmd.Outputs = splitList(outputs)
	cmd.Inputs = splitList(inputs)

	lineCode := strings.Join(flags.Args(), " ")
	switch {
	case lineCode != "" && cell != "":
		cmd.Code = lineCode + "\n" + cell
	case lineCode != "":
		cmd.Code = lineCode
	default:
		cmd.Code = cell
	}

	if cmd.Code == "" && !cmd.Shutdown {
		return nil, ErrNothingToDo
	}

	return cmd, nil
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

// RemoteExec is the front end: one instance per host namespace.
type RemoteExec struct {
	log logger.Logger

	ns       Namespace
	registry *session.Registry
	executor *batch.Executor
}

func NewRemoteExec(registry *session.Registry, ns Namespace) *RemoteExec {
	m := &RemoteExec{
		ns:       ns,
		registry: registry,
		executor: batch.NewExecutor(registry),
	}

	config.InitLogger(&m.log, m)

	return m
}

// Execute runs one invocation: parse, resolve indirections, execute,
// bind results. Per-label failures are recorded in the returned
// outcomes, not raised; parse and validation failures abort the whole
// invocation.
func (m *RemoteExec) Execute(ctx context.Context, line string, cell string) (*orderedmap.OrderedMap[string, *batch.Outcome], error) {
	cmd, err := ParseCommand(line, cell)
	if err != nil {
		return nil, err
	}

	req, err := m.buildRequest(cmd)
	if err != nil {
		return nil, err
	}

	outcomes, err := m.executor.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	for el := outcomes.Front(); el != nil; el = el.Next() {
		label, outcome := el.Key, el.Value

		if outcome.Err != nil {
			m.log.Error("Kernel \"%s\" failed: %v", label, outcome.Err)
		}

		if outcome.Session != nil {
			m.ns.Bind(label, outcome.Session)
		}
	}

	return outcomes, nil
}

// CloseKernels shuts every cached session down. The host must call it
// on its own teardown path; nothing here runs implicitly.
func (m *RemoteExec) CloseKernels(ctx context.Context) {
	m.registry.ShutdownAll(ctx)
}

func (m *RemoteExec) buildRequest(cmd *Command) (*batch.Request, error) {
	kernels, err := m.resolveKernels(cmd.Kernels)
	if err != nil {
		return nil, err
	}

	inputs := make([]batch.Substitution, 0, len(cmd.Inputs))
	for _, name := range cmd.Inputs {
		byLabel, err := m.resolveInput(name)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, batch.Substitution{Name: name, ByLabel: byLabel})
	}

	return &batch.Request{
		Kernels:  kernels,
		Inputs:   inputs,
		Outputs:  cmd.Outputs,
		Code:     cmd.Code,
		Shutdown: cmd.Shutdown,
	}, nil
}

// resolveKernels expands a single "{var}" argument through the
// namespace; anything else is taken literally.
func (m *RemoteExec) resolveKernels(kernels []string) ([]string, error) {
	if len(kernels) != 1 || !strings.HasPrefix(kernels[0], "{") || !strings.HasSuffix(kernels[0], "}") {
		return kernels, nil
	}

	name := strings.TrimSuffix(strings.TrimPrefix(kernels[0], "{"), "}")
	value, ok := m.ns.Lookup(name)
	if !ok {
		return nil, &UnknownVariableError{Name: name}
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case string:
		return splitList(v), nil
	case []interface{}:
		labels := make([]string, 0, len(v))
		for _, item := range v {
			labels = append(labels, fmt.Sprint(item))
		}
		return labels, nil
	default:
		return nil, errors.Errorf("variable %q does not hold a kernel list (got %T)", name, value)
	}
}

func (m *RemoteExec) resolveInput(name string) (map[string]string, error) {
	value, ok := m.ns.Lookup(name)
	if !ok {
		return nil, &batch.MissingInputError{Name: name}
	}

	switch v := value.(type) {
	case map[string]string:
		return v, nil
	case map[string]interface{}:
		byLabel := make(map[string]string, len(v))
		for label, item := range v {
			byLabel[label] = fmt.Sprint(item)
		}
		return byLabel, nil
	default:
		return nil, errors.Errorf("variable %q does not hold a substitution mapping (got %T)", name, value)
	}
}
