// Package grpcplugin exposes provisioning backends over gRPC. The client side
// is a provisioner.Backend that forwards every call to a remote plugin; the
// server side serves any provisioner.Backend as such a plugin.
//
// Messages are google.protobuf.Struct values so plugins can be written in any
// language without generated stubs.
package grpcplugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/picklr-io/rollout/pkg/provisioner"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "rollout.provisioner.v1.Provisioner"

const (
	methodProvision      = "Provision"
	methodApplyDirective = "ApplyDirective"
	methodLookupExisting = "LookupExisting"
	methodIsApplied      = "IsApplied"
)

// Metadata keys carrying credentials. They never appear in message bodies.
const (
	tokenHeader      = "authorization"
	credentialPrefix = "x-rollout-credential-"
)

// handler is implemented by the server.
type handler interface {
	provision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	applyDirective(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	lookupExisting(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	isApplied(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodProvision, handler.provision),
		unary(methodApplyDirective, handler.applyDirective),
		unary(methodLookupExisting, handler.lookupExisting),
		unary(methodIsApplied, handler.isApplied),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rollout/provisioner/v1/provisioner.proto",
}

func unary(name string, call func(handler, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(handler)
			if interceptor == nil {
				return call(h, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(h, ctx, req.(*structpb.Struct))
			})
		},
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// wire holds the message fields shared by every method. Args travel as a
// JSON string so integers of any size survive the trip.
type wire struct {
	RunID        string
	Environment  string
	Endpoint     string
	Identity     string
	Vars         map[string]string
	NodeID       string
	Kind         string
	TargetID     string
	TargetHandle string
	Operation    string
	Args         []any
	Fingerprint  string
}

func (w *wire) encode() (*structpb.Struct, error) {
	argsJSON, err := json.Marshal(w.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode args: %w", err)
	}
	vars := make(map[string]any, len(w.Vars))
	for k, v := range w.Vars {
		vars[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"run": map[string]any{
			"runId":       w.RunID,
			"environment": w.Environment,
			"endpoint":    w.Endpoint,
			"identity":    w.Identity,
			"vars":        vars,
		},
		"nodeId":       w.NodeID,
		"kind":         w.Kind,
		"targetId":     w.TargetID,
		"targetHandle": w.TargetHandle,
		"operation":    w.Operation,
		"argsJson":     string(argsJSON),
		"fingerprint":  w.Fingerprint,
	})
}

func decodeWire(s *structpb.Struct) (*wire, error) {
	f := s.GetFields()
	run := f["run"].GetStructValue().GetFields()
	w := &wire{
		RunID:        run["runId"].GetStringValue(),
		Environment:  run["environment"].GetStringValue(),
		Endpoint:     run["endpoint"].GetStringValue(),
		Identity:     run["identity"].GetStringValue(),
		Vars:         make(map[string]string),
		NodeID:       f["nodeId"].GetStringValue(),
		Kind:         f["kind"].GetStringValue(),
		TargetID:     f["targetId"].GetStringValue(),
		TargetHandle: f["targetHandle"].GetStringValue(),
		Operation:    f["operation"].GetStringValue(),
		Fingerprint:  f["fingerprint"].GetStringValue(),
	}
	for k, v := range run["vars"].GetStructValue().GetFields() {
		w.Vars[k] = v.GetStringValue()
	}
	if raw := f["argsJson"].GetStringValue(); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&w.Args); err != nil {
			return nil, fmt.Errorf("failed to decode args: %w", err)
		}
	}
	return w, nil
}

func runWire(rc *provisioner.RunContext) *wire {
	return &wire{
		RunID:       rc.RunID,
		Environment: rc.Environment,
		Endpoint:    rc.Endpoint,
		Identity:    rc.Identity,
		Vars:        rc.Vars,
	}
}

// runContext rebuilds the run context on the server, taking credentials
// from the call metadata.
func (w *wire) runContext(ctx context.Context) *provisioner.RunContext {
	rc := &provisioner.RunContext{
		RunID:       w.RunID,
		Environment: w.Environment,
		Endpoint:    w.Endpoint,
		Identity:    w.Identity,
		Vars:        w.Vars,
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return rc
	}
	if v := md.Get(tokenHeader); len(v) > 0 {
		rc.Credentials.Token = strings.TrimPrefix(v[0], "Bearer ")
	}
	for key, values := range md {
		if name, ok := strings.CutPrefix(key, credentialPrefix); ok && len(values) > 0 {
			if rc.Credentials.Extras == nil {
				rc.Credentials.Extras = make(map[string]string)
			}
			rc.Credentials.Extras[name] = values[0]
		}
	}
	return rc
}

// outgoing attaches the credentials of rc to ctx.
func outgoing(ctx context.Context, rc *provisioner.RunContext) context.Context {
	var pairs []string
	if rc.Credentials.Token != "" {
		pairs = append(pairs, tokenHeader, "Bearer "+rc.Credentials.Token)
	}
	for k, v := range rc.Credentials.Extras {
		pairs = append(pairs, credentialPrefix+strings.ToLower(k), v)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
