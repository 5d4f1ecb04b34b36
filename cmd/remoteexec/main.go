package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/moble/remote-exec/batch"
	"github.com/moble/remote-exec/common/utils"
	"github.com/moble/remote-exec/kernel"
	"github.com/moble/remote-exec/kernelspec"
	"github.com/moble/remote-exec/magic"
	"github.com/moble/remote-exec/session"

	"github.com/elliotchance/orderedmap/v2"
)

var (
	options      = RemoteExecOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
}

// RemoteExecOptions configures one invocation of the CLI host.
type RemoteExecOptions struct {
	config.LoggerOptions `yaml:",inline"`

	SpecDirs          string `name:"spec-dirs" description:"Comma-separated list of directories to scan for kernel specs. Defaults to the standard Jupyter search path."`
	NamespaceFile     string `name:"namespace" description:"Path to a JSON object preloading the variable namespace used for -i/-k indirection."`
	RequestTimeoutSec int    `name:"request-timeout" description:"Bound, in seconds, on each kernel round trip."`
}

func (opts *RemoteExecOptions) Validate() error {
	if opts.RequestTimeoutSec < 0 {
		return errors.Errorf("request-timeout must be non-negative, got %d", opts.RequestTimeoutSec)
	}

	return nil
}

// jsonNamespace is a variable namespace preloaded from a JSON object.
type jsonNamespace map[string]interface{}

func (ns jsonNamespace) Lookup(name string) (interface{}, bool) {
	value, ok := ns[name]
	return value, ok
}

func (ns jsonNamespace) Bind(name string, value interface{}) {
	ns[name] = value
}

func loadNamespace(path string) (jsonNamespace, error) {
	ns := jsonNamespace{}
	if path == "" {
		return ns, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read namespace file \"%s\"", path)
	}
	if err := json.Unmarshal(contents, &ns); err != nil {
		return nil, errors.Wrapf(err, "namespace file \"%s\" is not a JSON object", path)
	}

	return ns, nil
}

func validateOptions() []string {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	return flags.Args()
}

// readCell returns the piped-in code body, if any.
func readCell() string {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice != 0 {
		return ""
	}

	contents, err := io.ReadAll(os.Stdin)
	if err != nil {
		globalLogger.Warn("Failed to read code from stdin: %v", err)
		return ""
	}

	return strings.TrimRight(string(contents), "\n")
}

func renderOutcomes(outcomes *orderedmap.OrderedMap[string, *batch.Outcome]) (failed int) {
	for el := outcomes.Front(); el != nil; el = el.Next() {
		label, outcome := el.Key, el.Value

		if outcome.Failed() {
			failed += 1
			fmt.Printf("%s %s: %v\n", utils.RedStyle.Render("✗"),
				utils.LightBlueStyle.Render(label), outcome.Err)
			continue
		}

		fmt.Printf("%s %s", utils.GreenStyle.Render("✓"), utils.LightBlueStyle.Render(label))

		if s := outcome.Session; s != nil {
			if dirErr := s.LastDirectoryChangeError(); dirErr != nil {
				fmt.Printf(" %s", utils.OrangeStyle.Render(fmt.Sprintf("(%v)", dirErr)))
			}

			for _, name := range s.Results().Names() {
				captured, _ := s.Result(name)
				text, err := json.Marshal(captured)
				if err != nil {
					text = []byte(fmt.Sprintf("%v", captured))
				}
				fmt.Printf("\n    %s = %s", utils.GrayStyle.Render(name), string(text))
			}
		}

		fmt.Println()
	}

	return failed
}

func main() {
	args := validateOptions()
	if len(args) == 0 {
		log.Fatal("usage: remoteexec [options] -k <kernels> [-o outputs] [-i inputs] [-s] [code...]")
	}

	specs, err := kernelspec.NewManager(splitDirs(options.SpecDirs)...)
	if err != nil {
		log.Fatalf("Failed to initialize kernel spec manager: %v", err)
	}
	defer specs.Close()

	kernels := kernel.NewManager(specs)
	registry := session.NewRegistry(specs, kernels)
	if options.RequestTimeoutSec > 0 {
		registry.SetRequestTimeout(time.Duration(options.RequestTimeoutSec) * time.Second)
	}

	ns, err := loadNamespace(options.NamespaceFile)
	if err != nil {
		log.Fatal(err)
	}

	front := magic.NewRemoteExec(registry, ns)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		received := <-sig
		globalLogger.Warn("Received %v; shutting kernels down.", received)
		cancel()
		kernels.InterruptAll()
		front.CloseKernels(context.Background())
		kernels.CloseAll()
		os.Exit(1)
	}()

	outcomes, err := front.Execute(ctx, strings.Join(args, " "), readCell())
	if err != nil {
		front.CloseKernels(context.Background())
		kernels.CloseAll()
		log.Fatal(err)
	}

	failed := renderOutcomes(outcomes)

	front.CloseKernels(ctx)
	kernels.CloseAll()

	if failed > 0 {
		os.Exit(1)
	}
}

func splitDirs(dirs string) []string {
	if dirs == "" {
		return nil
	}

	parts := strings.Split(dirs, ",")
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			cleaned = append(cleaned, part)
		}
	}
	return cleaned
}
