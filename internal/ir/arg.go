package ir

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	refScheme = "ref://"
	varScheme = "var://"
)

// Arg is a single constructor or directive argument. Exactly one of Ref, Var
// or List is set; otherwise the arg is the literal Value.
type Arg struct {
	Value any
	Ref   string
	Var   string
	List  []Arg
	// IsList distinguishes an empty list from a nil literal.
	IsList bool
}

// Literal returns a literal arg.
func Literal(v any) Arg { return Arg{Value: v} }

// Ref returns an arg that resolves to the handle of resource id.
func Ref(id string) Arg { return Arg{Ref: id} }

// Var returns an arg that resolves to a run-scoped variable.
func Var(name string) Arg { return Arg{Var: name} }

// List returns a list arg whose items are resolved individually.
func List(items ...Arg) Arg { return Arg{List: items, IsList: true} }

// Keccak256 returns the 0x-prefixed legacy Keccak-256 digest of s, the form
// used for role identifiers such as MINTER_ROLE.
func Keccak256(s string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ParseArg converts a decoded spec value into an Arg.
//
// Recognized forms: "ref://id", "var://name", {ref: id}, {var: name},
// {keccak256: text}, {literal: value} and lists of any of these. Everything
// else is a literal.
func ParseArg(raw any) (Arg, error) {
	switch v := raw.(type) {
	case string:
		switch {
		case strings.HasPrefix(v, refScheme):
			id := strings.TrimPrefix(v, refScheme)
			if id == "" {
				return Arg{}, fmt.Errorf("empty reference %q", v)
			}
			return Ref(id), nil
		case strings.HasPrefix(v, varScheme):
			name := strings.TrimPrefix(v, varScheme)
			if name == "" {
				return Arg{}, fmt.Errorf("empty variable %q", v)
			}
			return Var(name), nil
		}
		return Literal(v), nil
	case []any:
		items := make([]Arg, 0, len(v))
		for i, item := range v {
			a, err := ParseArg(item)
			if err != nil {
				return Arg{}, fmt.Errorf("item %d: %w", i, err)
			}
			items = append(items, a)
		}
		return List(items...), nil
	case map[string]any:
		if len(v) != 1 {
			return Literal(v), nil
		}
		for key, inner := range v {
			switch key {
			case "ref", "var", "keccak256":
				s, ok := inner.(string)
				if !ok || s == "" {
					return Arg{}, fmt.Errorf("%s must be a non-empty string, got %T", key, inner)
				}
				switch key {
				case "ref":
					return Ref(s), nil
				case "var":
					return Var(s), nil
				default:
					return Literal(Keccak256(s)), nil
				}
			case "literal":
				return Literal(inner), nil
			}
		}
		return Literal(v), nil
	default:
		return Literal(v), nil
	}
}

// ParseArgs converts a decoded argument list.
func ParseArgs(raw []any) ([]Arg, error) {
	args := make([]Arg, 0, len(raw))
	for i, r := range raw {
		a, err := ParseArg(r)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		args = append(args, a)
	}
	return args, nil
}

// Refs returns every resource id referenced by the arg, depth first.
func (a Arg) Refs() []string {
	if a.Ref != "" {
		return []string{a.Ref}
	}
	var refs []string
	for _, item := range a.List {
		refs = append(refs, item.Refs()...)
	}
	return refs
}

// MissingHandleError is returned by Resolve when a referenced resource has no
// registered handle.
type MissingHandleError struct {
	Ref string
}

func (e *MissingHandleError) Error() string {
	return fmt.Sprintf("no handle registered for %q", e.Ref)
}

// MissingVarError is returned by Resolve when a variable is not defined for
// the run.
type MissingVarError struct {
	Name string
}

func (e *MissingVarError) Error() string {
	return fmt.Sprintf("variable %q is not defined for this environment", e.Name)
}

// Resolve returns the concrete value of the arg. References are looked up
// with handle, variables in vars.
func (a Arg) Resolve(handle func(id string) (string, bool), vars map[string]string) (any, error) {
	switch {
	case a.Ref != "":
		h, ok := handle(a.Ref)
		if !ok {
			return nil, &MissingHandleError{Ref: a.Ref}
		}
		return h, nil
	case a.Var != "":
		v, ok := vars[a.Var]
		if !ok {
			return nil, &MissingVarError{Name: a.Var}
		}
		return v, nil
	case a.IsList:
		out := make([]any, 0, len(a.List))
		for _, item := range a.List {
			v, err := item.Resolve(handle, vars)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return a.Value, nil
	}
}

// ResolveArgs resolves an argument list in order.
func ResolveArgs(args []Arg, handle func(id string) (string, bool), vars map[string]string) ([]any, error) {
	out := make([]any, 0, len(args))
	for _, a := range args {
		v, err := a.Resolve(handle, vars)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// String renders the arg the way it is written in a spec file.
func (a Arg) String() string {
	switch {
	case a.Ref != "":
		return refScheme + a.Ref
	case a.Var != "":
		return varScheme + a.Var
	case a.IsList:
		parts := make([]string, len(a.List))
		for i, item := range a.List {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case a.Value == nil:
		return "null"
	default:
		if s, ok := a.Value.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprintf("%v", a.Value)
	}
}

func (a Arg) MarshalJSON() ([]byte, error) {
	switch {
	case a.Ref != "":
		return json.Marshal(map[string]string{"ref": a.Ref})
	case a.Var != "":
		return json.Marshal(map[string]string{"var": a.Var})
	case a.IsList:
		if a.List == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(a.List)
	default:
		return json.Marshal(a.Value)
	}
}
