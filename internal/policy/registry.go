package policy

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// #region registry
// Registry resolves policy names. Lookup ignores case and the separators
// '-', '_' and ' ', so "EpsilonGreedy", "epsilon-greedy" and "EPSILON_GREEDY"
// all name the same policy.
type Registry struct {
	byKey map[string]Policy
	names []string
}

// NewRegistry indexes the given policies by Name. A later policy with the same
// normalized name replaces an earlier one.
func NewRegistry(policies ...Policy) *Registry {
	r := &Registry{byKey: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		key := normalize(p.Name())
		if _, ok := r.byKey[key]; !ok {
			r.names = append(r.names, p.Name())
		}
		r.byKey[key] = p
	}
	sort.Strings(r.names)
	return r
}

// DefaultRegistry builds the four standard policies sharing cfg. rng drives
// epsilon-greedy exploration.
func DefaultRegistry(cfg Config, rng *rand.Rand) *Registry {
	return NewRegistry(
		NewExp3(cfg),
		NewExp4(cfg),
		NewEpsilonGreedy(cfg, rng),
		NewUCB(cfg),
	)
}

// Lookup returns the policy registered under name.
func (r *Registry) Lookup(name string) (Policy, error) {
	p, ok := r.byKey[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return p, nil
}

// Names lists canonical policy names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func normalize(name string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '-', '_', ' ':
			return -1
		}
		return c
	}, strings.ToLower(strings.TrimSpace(name)))
}

// #endregion registry
