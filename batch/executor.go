// Package batch fans a single piece of code out to several kernel
// sessions, substituting per-kernel inputs into the code and collecting
// the requested outputs from each, without letting one bad backend
// abort the rest.
package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"

	"github.com/moble/remote-exec/session"
)

// MissingInputError reports that a requested input substitution has no
// mapping at all.
type MissingInputError struct {
	Name string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("no dictionary named %q in local variables", e.Name)
}

// MissingInputKeyError reports that an input substitution mapping lacks
// an entry for one of the requested kernel labels.
type MissingInputKeyError struct {
	Name  string
	Label string
}

func (e *MissingInputKeyError) Error() string {
	return fmt.Sprintf("no key %q in dictionary %q", e.Label, e.Name)
}

// Substitution is one named input mapping: for each kernel label, the
// text spliced into the code wherever {Name} occurs.
type Substitution struct {
	Name    string
	ByLabel map[string]string
}

// Request describes one batch run.
type Request struct {
	// Kernels are the session labels, in execution order. A label may
	// carry a working directory as a colon-delimited suffix.
	Kernels []string

	// Inputs are applied to the code in declaration order.
	Inputs []Substitution

	// Outputs names the variables captured from each kernel after the
	// code runs.
	Outputs []string

	// Code is the template executed on every kernel. Empty code means
	// nothing is executed (useful together with Shutdown).
	Code string

	// Shutdown shuts the listed sessions down before anything runs.
	// When code is also given, fresh sessions are constructed and the
	// code runs on restarted kernels.
	Shutdown bool
}

// Outcome is the per-label result of a batch run.
type Outcome struct {
	Session *session.Session
	Err     error
}

// Failed reports whether this label's run failed.
func (o *Outcome) Failed() bool {
	return o.Err != nil
}

type target struct {
	label     string
	directory string
}

// Executor drives batch runs against a session registry.
type Executor struct {
	log logger.Logger

	registry *session.Registry
}

func NewExecutor(registry *session.Registry) *Executor {
	e := &Executor{registry: registry}
	config.InitLogger(&e.log, e)
	return e
}

// Run executes the request and returns the per-label outcomes in the
// order the labels were given.
//
// Validation failures (unknown input mapping, mapping missing a label's
// key) abort the whole batch before any session is created or touched.
// Per-label runtime failures are recorded in that label's outcome and
// the batch proceeds to the remaining labels.
func (e *Executor) Run(ctx context.Context, req *Request) (*orderedmap.OrderedMap[string, *Outcome], error) {
	targets := parseTargets(req.Kernels)

	if err := validateInputs(req.Inputs, targets); err != nil {
		return nil, err
	}

	outcomes := orderedmap.NewOrderedMap[string, *Outcome]()
	for _, t := range targets {
		if _, ok := outcomes.Get(t.label); !ok {
			outcomes.Set(t.label, &Outcome{})
		}
	}

	// Ensure a session exists for every distinct label. Creation
	// failures are isolated: the label is marked failed and skipped
	// below.
	for el := outcomes.Front(); el != nil; el = el.Next() {
		label, outcome := el.Key, el.Value

		s, err := e.registry.GetOrCreate(ctx, label)
		if err != nil {
			e.log.Error("Failed to create session for label \"%s\": %v", label, err)
			outcome.Err = err
			continue
		}
		outcome.Session = s
	}

	if req.Shutdown {
		e.shutdownTargets(ctx, outcomes)
	}

	if req.Code == "" {
		return outcomes, nil
	}

	for _, t := range targets {
		outcome, _ := outcomes.Get(t.label)
		if outcome.Err != nil {
			continue
		}

		// After a shutdown-first run the cached session is terminal, so
		// the registry constructs a fresh one here.
		s, err := e.registry.GetOrCreate(ctx, t.label)
		if err != nil {
			e.log.Error("Failed to recreate session for label \"%s\": %v", t.label, err)
			outcome.Err = err
			continue
		}
		outcome.Session = s

		customCode := substitute(req.Code, req.Inputs, t.label)

		if err := s.ExecuteAndCollect(ctx, customCode, t.directory, req.Outputs); err != nil {
			e.log.Error("Execution on label \"%s\" failed: %v", t.label, err)
			outcome.Err = err
		}
	}

	return outcomes, nil
}

func (e *Executor) shutdownTargets(ctx context.Context, outcomes *orderedmap.OrderedMap[string, *Outcome]) {
	for el := outcomes.Front(); el != nil; el = el.Next() {
		label, outcome := el.Key, el.Value
		if outcome.Session == nil {
			continue
		}

		if err := outcome.Session.Shutdown(ctx); err != nil {
			e.log.Error("Failed to shut down session \"%s\": %v", label, err)
		}

		// Terminal sessions must leave the cache so the label can be
		// recreated.
		e.registry.Remove(label)
	}
}

// parseTargets splits each kernel entry into a label and an optional
// colon-delimited working directory.
func parseTargets(kernels []string) []target {
	targets := make([]target, 0, len(kernels))
	for _, entry := range kernels {
		label, directory, _ := strings.Cut(entry, ":")
		targets = append(targets, target{label: label, directory: directory})
	}
	return targets
}

func validateInputs(inputs []Substitution, targets []target) error {
	for _, input := range inputs {
		if input.ByLabel == nil {
			return &MissingInputError{Name: input.Name}
		}

		for _, t := range targets {
			if _, ok := input.ByLabel[t.label]; !ok {
				return &MissingInputKeyError{Name: input.Name, Label: t.label}
			}
		}
	}

	return nil
}

// substitute splices each input's per-label text into the code wherever
// {name} occurs. Inputs are applied one after another over the working
// text, so a later name is substituted even where an earlier
// substitution introduced it. No escaping is performed; this is literal
// text templating.
func substitute(code string, inputs []Substitution, label string) string {
	for _, input := range inputs {
		code = strings.ReplaceAll(code, "{"+input.Name+"}", input.ByLabel[label])
	}
	return code
}
