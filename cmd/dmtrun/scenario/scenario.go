// Package scenario holds the hand-written demo programs dmtrun can run
// against the DMT runtime, each exercising a different corner of the
// wrapper surface end to end.
package scenario

import "fmt"

// Result is what a scenario reports back to its caller.
type Result struct {
	FinalTurnCount uint64
	OutputDir      string
}

// Scenario is a named, runnable demo.
type Scenario struct {
	Name string
	Run  func(outputDir string) (Result, error)
}

var registry = map[string]Scenario{}

func register(s Scenario) {
	if _, exists := registry[s.Name]; exists {
		panic(fmt.Sprintf("scenario: duplicate registration for %q", s.Name))
	}
	registry[s.Name] = s
}

// Lookup returns the scenario registered under name.
func Lookup(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

// Names returns every registered scenario name.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
