package ir

import "fmt"

// SpecSet is the declarative input of a run: every resource to provision and
// every directive to apply afterwards. Slice order is declaration order.
type SpecSet struct {
	Name       string           `json:"name,omitempty"`
	Resources  []*ResourceSpec  `json:"resources"`
	Directives []*DirectiveSpec `json:"directives,omitempty"`
}

// ResourceSpec describes one provisionable unit.
type ResourceSpec struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"` // e.g., "IKIGAIToken"
	Args    []Arg  `json:"args,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// DirectiveSpec describes a post-provision action on an already deployed resource.
type DirectiveSpec struct {
	ID        string `json:"id"`
	Target    string `json:"target"`
	Operation string `json:"operation"` // e.g., "grantRole"
	Args      []Arg  `json:"args,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// Refs returns the resource ids the resource's constructor args reference, in
// argument order without duplicates.
func (r *ResourceSpec) Refs() []string {
	return collectRefs(r.Args)
}

// Refs returns the target followed by every resource id referenced in args.
func (d *DirectiveSpec) Refs() []string {
	refs := collectRefs(d.Args)
	out := []string{d.Target}
	for _, ref := range refs {
		if ref != d.Target {
			out = append(out, ref)
		}
	}
	return out
}

// DefaultDirectiveID names a directive that was declared without an id.
func DefaultDirectiveID(target, operation string, n int) string {
	if n <= 1 {
		return fmt.Sprintf("%s.%s", target, operation)
	}
	return fmt.Sprintf("%s.%s#%d", target, operation, n)
}

// Lookup returns the resource or directive with the given id.
func (s *SpecSet) Lookup(id string) (*ResourceSpec, *DirectiveSpec) {
	for _, r := range s.Resources {
		if r.ID == id {
			return r, nil
		}
	}
	for _, d := range s.Directives {
		if d.ID == id {
			return nil, d
		}
	}
	return nil, nil
}

func collectRefs(args []Arg) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range args {
		for _, ref := range a.Refs() {
			if !seen[ref] {
				seen[ref] = true
				out = append(out, ref)
			}
		}
	}
	return out
}
