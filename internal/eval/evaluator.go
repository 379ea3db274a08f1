package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/rollout/internal/ir"
)

// Evaluator loads spec sets from .pkl, .yaml/.yml and .json files into IR
// types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

type rawSpecSet struct {
	Name       string          `pkl:"name" yaml:"name" json:"name"`
	Resources  []*rawResource  `pkl:"resources" yaml:"resources" json:"resources"`
	Directives []*rawDirective `pkl:"directives" yaml:"directives" json:"directives"`
}

type rawResource struct {
	ID      string  `pkl:"id" yaml:"id" json:"id"`
	Kind    string  `pkl:"kind" yaml:"kind" json:"kind"`
	Args    []any   `pkl:"args" yaml:"args" json:"args"`
	Timeout *string `pkl:"timeout" yaml:"timeout" json:"timeout"`
}

type rawDirective struct {
	ID        *string `pkl:"id" yaml:"id" json:"id"`
	Target    string  `pkl:"target" yaml:"target" json:"target"`
	Operation string  `pkl:"operation" yaml:"operation" json:"operation"`
	Args      []any   `pkl:"args" yaml:"args" json:"args"`
	Timeout   *string `pkl:"timeout" yaml:"timeout" json:"timeout"`
}

// LoadSpecSet reads the spec set at entryPoint. Properties are passed to Pkl
// as external properties (read("prop:name")) and ignored for other formats.
func (e *Evaluator) LoadSpecSet(ctx context.Context, entryPoint string, properties map[string]string) (*ir.SpecSet, error) {
	var raw rawSpecSet
	var err error
	switch strings.ToLower(filepath.Ext(entryPoint)) {
	case ".pkl":
		err = e.evaluatePkl(ctx, entryPoint, properties, &raw)
	case ".yaml", ".yml":
		err = decodeFile(entryPoint, &raw, decodeYAML)
	case ".json":
		err = decodeFile(entryPoint, &raw, decodeJSON)
	default:
		return nil, fmt.Errorf("unsupported spec file %s: expected .pkl, .yaml, .yml or .json", entryPoint)
	}
	if err != nil {
		return nil, err
	}

	set, err := raw.build()
	if err != nil {
		return nil, fmt.Errorf("invalid spec set %s: %w", entryPoint, err)
	}
	if set.Name == "" {
		set.Name = strings.TrimSuffix(filepath.Base(entryPoint), filepath.Ext(entryPoint))
	}
	return set, nil
}

func (e *Evaluator) evaluatePkl(ctx context.Context, entryPoint string, properties map[string]string, out *rawSpecSet) error {
	dir, err := filepath.Abs(e.projectDir)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}
	u, err := url.Parse("file://" + filepath.ToSlash(dir) + "/")
	if err != nil {
		return fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	// Project evaluation needs a PklProject; plain directories use the
	// default evaluator.
	var evaluator pkl.Evaluator
	if _, statErr := os.Stat(filepath.Join(dir, "PklProject")); statErr == nil {
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...)
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, opts...)
	}
	if err != nil {
		return fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), out); err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", entryPoint, err)
	}
	return nil
}

func decodeFile(path string, out *rawSpecSet, decode func([]byte, *rawSpecSet) error) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read spec file: %w", err)
	}
	if err := decode(content, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func decodeYAML(content []byte, out *rawSpecSet) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// yaml.v3 resolves integers wider than 64 bits as floats, so args are
	// read again from the node tree to keep them exact.
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	for i, item := range sequenceAt(root, "resources") {
		if i >= len(out.Resources) || out.Resources[i] == nil {
			continue
		}
		if err := exactArgs(item, &out.Resources[i].Args); err != nil {
			return fmt.Errorf("resource %d: %w", i, err)
		}
	}
	for i, item := range sequenceAt(root, "directives") {
		if i >= len(out.Directives) || out.Directives[i] == nil {
			continue
		}
		if err := exactArgs(item, &out.Directives[i].Args); err != nil {
			return fmt.Errorf("directive %d: %w", i, err)
		}
	}
	return nil
}

func exactArgs(item *yaml.Node, args *[]any) error {
	list := mappingValue(item, "args")
	if list == nil {
		return nil
	}
	v, err := yamlValue(list)
	if err != nil {
		return err
	}
	if values, ok := v.([]any); ok {
		*args = values
	}
	return nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	n = unalias(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return unalias(n.Content[i+1])
		}
	}
	return nil
}

func sequenceAt(n *yaml.Node, key string) []*yaml.Node {
	seq := mappingValue(n, key)
	if seq == nil || seq.Kind != yaml.SequenceNode {
		return nil
	}
	return seq.Content
}

func unalias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// yamlValue decodes n like yaml.v3 would, except that plain integer scalars
// too large for 64 bits become json.Number instead of float64.
func yamlValue(n *yaml.Node) (any, error) {
	n = unalias(n)
	switch n.Kind {
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.MappingNode:
		if !hasMergeKey(n) {
			out := make(map[string]any, len(n.Content)/2)
			for i := 0; i+1 < len(n.Content); i += 2 {
				k, err := yamlValue(n.Content[i])
				if err != nil {
					return nil, err
				}
				v, err := yamlValue(n.Content[i+1])
				if err != nil {
					return nil, err
				}
				out[fmt.Sprint(k)] = v
			}
			return out, nil
		}
	case yaml.ScalarNode:
		if n.Style == 0 && n.Tag == "!!float" {
			if num, ok := bigInteger(n.Value); ok {
				return num, nil
			}
		}
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func hasMergeKey(n *yaml.Node) bool {
	for i := 0; i < len(n.Content); i += 2 {
		if n.Content[i].Tag == "!!merge" {
			return true
		}
	}
	return false
}

// bigInteger reports whether a plain scalar is a decimal integer, returning
// it without digit separators.
func bigInteger(s string) (json.Number, bool) {
	plain := strings.TrimPrefix(strings.ReplaceAll(s, "_", ""), "+")
	digits := strings.TrimPrefix(plain, "-")
	if digits == "" {
		return "", false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return json.Number(plain), true
}

func decodeJSON(content []byte, out *rawSpecSet) error {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	// keep large integers such as token supplies exact
	dec.UseNumber()
	return dec.Decode(out)
}

// build converts the decoded document into a SpecSet, assigning default
// directive ids.
func (r *rawSpecSet) build() (*ir.SpecSet, error) {
	set := &ir.SpecSet{Name: r.Name}

	for i, res := range r.Resources {
		if res == nil {
			return nil, fmt.Errorf("resource %d is empty", i)
		}
		if res.Kind == "" {
			return nil, fmt.Errorf("resource %q: kind is required", res.ID)
		}
		args, err := ir.ParseArgs(normalizeAll(res.Args))
		if err != nil {
			return nil, fmt.Errorf("resource %q: %w", res.ID, err)
		}
		set.Resources = append(set.Resources, &ir.ResourceSpec{
			ID:      res.ID,
			Kind:    res.Kind,
			Args:    args,
			Timeout: deref(res.Timeout),
		})
	}

	seen := make(map[string]int)
	for i, d := range r.Directives {
		if d == nil {
			return nil, fmt.Errorf("directive %d is empty", i)
		}
		if d.Target == "" || d.Operation == "" {
			return nil, fmt.Errorf("directive %d: target and operation are required", i)
		}
		key := d.Target + "." + d.Operation
		seen[key]++
		id := deref(d.ID)
		if id == "" {
			id = ir.DefaultDirectiveID(d.Target, d.Operation, seen[key])
		}
		args, err := ir.ParseArgs(normalizeAll(d.Args))
		if err != nil {
			return nil, fmt.Errorf("directive %q: %w", id, err)
		}
		set.Directives = append(set.Directives, &ir.DirectiveSpec{
			ID:        id,
			Target:    d.Target,
			Operation: d.Operation,
			Args:      args,
			Timeout:   deref(d.Timeout),
		})
	}
	return set, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func normalizeAll(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = normalize(v)
	}
	return out
}

// normalize rewrites decoder-specific containers into []any and
// map[string]any so that argument parsing sees one shape for every format.
func normalize(v any) any {
	switch val := v.(type) {
	case pkl.Object:
		return normalizeObject(&val)
	case *pkl.Object:
		return normalizeObject(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case []any:
		return normalizeAll(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if !strings.ContainsAny(val.String(), ".eE") {
			return val // exact, too large for int64
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return v
	}
}

// normalizeObject flattens a Pkl Dynamic: elements make it a list, otherwise
// properties and entries make it a map.
func normalizeObject(obj *pkl.Object) any {
	if len(obj.Elements) > 0 && len(obj.Properties) == 0 && len(obj.Entries) == 0 {
		return normalizeAll(obj.Elements)
	}
	out := make(map[string]any, len(obj.Properties)+len(obj.Entries))
	for k, item := range obj.Properties {
		out[k] = normalize(item)
	}
	for k, item := range obj.Entries {
		out[fmt.Sprint(k)] = normalize(item)
	}
	return out
}
