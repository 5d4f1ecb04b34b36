// Package kernelspec locates installed kernel specifications and matches
// the short labels users type against the fully-qualified spec names.
package kernelspec

import (
	"fmt"
	"regexp"
	"strings"
)

// ResolutionError reports that a label matched zero or several known
// specs. It carries the full spec list so the user can see what was
// searched.
type ResolutionError struct {
	Label      string
	KnownSpecs []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("can't find exactly one kernel matching %q in list: [%s]",
		e.Label, strings.Join(e.KnownSpecs, ", "))
}

// Resolve maps a short label to exactly one known spec name.
//
// Matching rules, first unique hit wins:
//  1. the label equals a known spec;
//  2. the label is a substring of exactly one known spec;
//  3. every underscore in the label becomes a lazy wildcard and the
//     label is searched case-insensitively; exactly one spec must match.
//
// Anything else fails with a *ResolutionError.
func Resolve(label string, knownSpecs []string) (string, error) {
	for _, spec := range knownSpecs {
		if spec == label {
			return spec, nil
		}
	}

	var substringMatch string
	substringMatches := 0
	for _, spec := range knownSpecs {
		if strings.Contains(spec, label) {
			substringMatch = spec
			substringMatches++
		}
	}
	if substringMatches == 1 {
		return substringMatch, nil
	}

	pattern, err := regexp.Compile("(?i)" + strings.ReplaceAll(label, "_", ".*?"))
	if err != nil {
		return "", &ResolutionError{Label: label, KnownSpecs: knownSpecs}
	}

	var wildcardMatch string
	wildcardMatches := 0
	for _, spec := range knownSpecs {
		if pattern.MatchString(spec) {
			wildcardMatch = spec
			wildcardMatches++
		}
	}
	if wildcardMatches == 1 {
		return wildcardMatch, nil
	}

	return "", &ResolutionError{Label: label, KnownSpecs: knownSpecs}
}
