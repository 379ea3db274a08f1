package grpcplugin

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/picklr-io/rollout/internal/logging"
	"github.com/picklr-io/rollout/pkg/provisioner"
)

type server struct {
	backend provisioner.Backend
}

// Register adds the provisioner service backed by backend to s.
func Register(s *grpc.Server, backend provisioner.Backend) {
	s.RegisterService(&serviceDesc, &server{backend: backend})
}

// Serve serves backend as a plugin on lis until the listener fails.
func Serve(lis net.Listener, backend provisioner.Backend, opts ...grpc.ServerOption) error {
	s := grpc.NewServer(opts...)
	Register(s, backend)
	logging.Info("serving provisioner plugin", "backend", backend.Name(), "address", lis.Addr().String())
	return s.Serve(lis)
}

func (s *server) provision(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	w, err := decodeWire(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	handle, err := s.backend.Provision(ctx, w.runContext(ctx), w.provisionRequest())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"handle": handle})
}

func (s *server) applyDirective(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	w, err := decodeWire(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.backend.ApplyDirective(ctx, w.runContext(ctx), w.directiveRequest()); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *server) lookupExisting(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	finder, ok := s.backend.(provisioner.Finder)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "%s cannot look up existing resources", s.backend.Name())
	}
	w, err := decodeWire(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	handle, found, err := finder.LookupExisting(ctx, w.runContext(ctx), w.provisionRequest())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"handle": handle, "found": found})
}

func (s *server) isApplied(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	checker, ok := s.backend.(provisioner.Checker)
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "%s cannot read directive state", s.backend.Name())
	}
	w, err := decodeWire(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	applied, err := checker.IsApplied(ctx, w.runContext(ctx), w.directiveRequest())
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"applied": applied})
}

func (w *wire) provisionRequest() *provisioner.ProvisionRequest {
	return &provisioner.ProvisionRequest{
		NodeID:      w.NodeID,
		Kind:        w.Kind,
		Args:        w.Args,
		Fingerprint: w.Fingerprint,
	}
}

func (w *wire) directiveRequest() *provisioner.DirectiveRequest {
	return &provisioner.DirectiveRequest{
		NodeID:       w.NodeID,
		TargetID:     w.TargetID,
		TargetHandle: w.TargetHandle,
		Operation:    w.Operation,
		Args:         w.Args,
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, provisioner.ErrUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case provisioner.IsTransient(err):
		var te *provisioner.TransientError
		errors.As(err, &te)
		return status.Error(codes.Unavailable, te.Err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Unknown, err.Error())
}
