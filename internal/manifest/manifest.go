// Package manifest loads the coverage manifest (spec.md §6): which WS
// operations a venue implements and whether they've been tested. Only
// entries whose ID is under the "crypto.public.ws." or
// "crypto.private.ws." namespace feed the subscription planner.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is one coverage-manifest line item.
type Entry struct {
	ID          string `yaml:"id"`
	Implemented bool   `yaml:"implemented"`
	Tested      bool   `yaml:"tested"`
}

// Coverage is a venue's full coverage manifest.
type Coverage struct {
	Venue   string  `yaml:"venue"`
	Strict  bool    `yaml:"strict"`
	Entries []Entry `yaml:"entries"`
}

const (
	publicWSPrefix  = "crypto.public.ws."
	privateWSPrefix = "crypto.private.ws."
)

// Load parses a coverage manifest YAML file.
func Load(path string) (Coverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Coverage{}, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var c Coverage
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Coverage{}, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return c, nil
}

// PlannerOps returns the implemented op_id list that should feed the
// subscription planner: only IDs under the public/private WS namespace,
// and only those marked implemented. Strict manifests additionally
// require Tested; non-strict manifests accept implemented-but-untested
// entries (useful for freshly wired venues awaiting a conformance pass).
func (c Coverage) PlannerOps() []string {
	out := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		if !e.Implemented {
			continue
		}
		if !strings.HasPrefix(e.ID, publicWSPrefix) && !strings.HasPrefix(e.ID, privateWSPrefix) {
			continue
		}
		if c.Strict && !e.Tested {
			continue
		}
		out = append(out, e.ID)
	}
	return out
}
