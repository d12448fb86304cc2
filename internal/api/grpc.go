package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"tradebot/internal/app"
	"tradebot/internal/backtest"
	"tradebot/internal/engine"
	"tradebot/internal/risk"
	"tradebot/internal/store"
	"tradebot/internal/strategy"
)

// ControlServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct messages carrying the same JSON
// shapes as the REST API.
const ControlServiceName = "tradebot.Control"

// ControlService is the server side of tradebot.Control.
type ControlService interface {
	Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Account(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Positions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Pause(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Resume(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Flatten(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Assign(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Report(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

type controlCall func(ControlService, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call controlCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ControlServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var controlDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlService.Status),
		unary("Account", ControlService.Account),
		unary("Positions", ControlService.Positions),
		unary("Pause", ControlService.Pause),
		unary("Resume", ControlService.Resume),
		unary("Flatten", ControlService.Flatten),
		unary("RunBacktest", ControlService.RunBacktest),
		unary("Assign", ControlService.Assign),
		unary("Report", ControlService.Report),
	},
	Metadata: "tradebot/control",
}

// RegisterControl registers the control service backed by op.
func RegisterControl(s grpc.ServiceRegistrar, op app.Operator) {
	s.RegisterService(&controlDesc, &controlServer{op: op})
}

// ---------------------------------------------------------------------------
// Struct conversion
// ---------------------------------------------------------------------------

// ToStruct converts v to a Struct through its JSON encoding. v must encode
// as a JSON object.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encoding %T as struct: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into v through JSON.
func FromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// grpcError maps domain errors onto status codes.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	var rej *risk.Rejection
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, backtest.ErrNoBars):
		code = codes.NotFound
	case errors.As(err, &rej), errors.Is(err, engine.ErrNoPrice):
		code = codes.FailedPrecondition
	case errors.Is(err, strategy.ErrUnknownStrategy):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, grpcError(err)
	}
	s, err := ToStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Service implementation
// ---------------------------------------------------------------------------

type controlServer struct {
	op app.Operator
}

var _ ControlService = (*controlServer)(nil)

func (c *controlServer) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(c.op.Status(), nil)
}

func (c *controlServer) Account(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return reply(c.op.Account(ctx))
}

func (c *controlServer) Positions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ps, err := c.op.Positions(ctx)
	return reply(map[string]any{"positions": ps}, err)
}

func (c *controlServer) Pause(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	reason := in.GetFields()["reason"].GetStringValue()
	if reason == "" {
		reason = "grpc"
	}
	c.op.Pause(reason)
	return reply(c.op.Status(), nil)
}

func (c *controlServer) Resume(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	c.op.Resume()
	return reply(c.op.Status(), nil)
}

func (c *controlServer) Flatten(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := c.op.Flatten(ctx)
	return reply(map[string]any{"orders": n}, err)
}

func (c *controlServer) RunBacktest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req app.BacktestRequest
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rep, err := c.op.RunBacktest(ctx, req)
	if err != nil {
		return nil, grpcError(err)
	}
	return reply(NewBacktestResponse(rep), nil)
}

func (c *controlServer) Assign(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Symbol   string          `json:"symbol"`
		Strategy string          `json:"strategy"`
		Params   strategy.Params `json:"params"`
	}
	if err := FromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Symbol == "" || req.Strategy == "" {
		return nil, status.Error(codes.InvalidArgument, "symbol and strategy required")
	}
	return reply(c.op.Assign(ctx, req.Symbol, req.Strategy, req.Params))
}

func (c *controlServer) Report(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	text, err := c.op.Report(ctx)
	return reply(map[string]string{"report": text}, err)
}

// logInterceptor logs every control call with its outcome.
func (s *Server) logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("grpc call failed", "method", info.FullMethod, "code", status.Code(err), "error", err)
	} else {
		s.log.Info("grpc call", "method", info.FullMethod, "elapsed", time.Since(start))
	}
	return resp, err
}
