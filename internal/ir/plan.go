package ir

// NodeType distinguishes resources from directives in plans and manifests.
type NodeType string

const (
	NodeResource  NodeType = "resource"
	NodeDirective NodeType = "directive"
)

// Plan is the predicted execution of a spec set against an environment.
type Plan struct {
	SpecSet     string       `json:"specSet,omitempty"`
	Environment string       `json:"environment,omitempty"`
	Steps       []*PlanStep  `json:"steps"`
	Summary     *PlanSummary `json:"summary"`
}

type PlanStep struct {
	ID        string   `json:"id"`
	Type      NodeType `json:"type"`
	Kind      string   `json:"kind"` // resource kind or directive operation
	Target    string   `json:"target,omitempty"`
	Action    string   `json:"action"` // "provision", "reuse", "apply"
	Handle    string   `json:"handle,omitempty"`
	Args      []Arg    `json:"args,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

type PlanSummary struct {
	Provision int `json:"provision"`
	Reuse     int `json:"reuse"`
	Apply     int `json:"apply"`
}
