package grpcplugin

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/picklr-io/rollout/pkg/provisioner"
)

// Client is a provisioner.Backend backed by a remote plugin.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the plugin at address. The connection is established
// lazily on the first call.
func Dial(address string, plaintext bool) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if plaintext {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plugin at %s: %w", address, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Name() string { return "grpc" }

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Provision(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, error) {
	out, err := c.invoke(ctx, rc, methodProvision, provisionWire(rc, req))
	if err != nil {
		return "", err
	}
	return out.GetFields()["handle"].GetStringValue(), nil
}

func (c *Client) ApplyDirective(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) error {
	_, err := c.invoke(ctx, rc, methodApplyDirective, directiveWire(rc, req))
	return err
}

func (c *Client) LookupExisting(ctx context.Context, rc *provisioner.RunContext, req *provisioner.ProvisionRequest) (string, bool, error) {
	out, err := c.invoke(ctx, rc, methodLookupExisting, provisionWire(rc, req))
	if err != nil {
		return "", false, err
	}
	f := out.GetFields()
	return f["handle"].GetStringValue(), f["found"].GetBoolValue(), nil
}

func (c *Client) IsApplied(ctx context.Context, rc *provisioner.RunContext, req *provisioner.DirectiveRequest) (bool, error) {
	out, err := c.invoke(ctx, rc, methodIsApplied, directiveWire(rc, req))
	if err != nil {
		return false, err
	}
	return out.GetFields()["applied"].GetBoolValue(), nil
}

func provisionWire(rc *provisioner.RunContext, req *provisioner.ProvisionRequest) *wire {
	w := runWire(rc)
	w.NodeID, w.Kind, w.Args, w.Fingerprint = req.NodeID, req.Kind, req.Args, req.Fingerprint
	return w
}

func directiveWire(rc *provisioner.RunContext, req *provisioner.DirectiveRequest) *wire {
	w := runWire(rc)
	w.NodeID, w.TargetID, w.TargetHandle = req.NodeID, req.TargetID, req.TargetHandle
	w.Operation, w.Args = req.Operation, req.Args
	return w
}

func (c *Client) invoke(ctx context.Context, rc *provisioner.RunContext, method string, w *wire) (*structpb.Struct, error) {
	in, err := w.encode()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(outgoing(ctx, rc), fullMethod(method), in, out); err != nil {
		return nil, fromStatus(err)
	}
	return out, nil
}

// fromStatus converts a call error into a backend error. Unimplemented
// becomes ErrUnsupported; availability problems become transient.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unimplemented:
		return fmt.Errorf("%w: %s", provisioner.ErrUnsupported, st.Message())
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return provisioner.Transient(errors.New(st.Message()))
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	}
	return errors.New(st.Message())
}
