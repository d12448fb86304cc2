package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"tradebot/internal/api"
	"tradebot/internal/app"
	"tradebot/internal/engine"
)

// Control talks to the gRPC control service.
type Control struct {
	conn *grpc.ClientConn
}

// DialControl connects to the control service at addr. The connection is
// established lazily on the first call.
func DialControl(addr string) (*Control, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Control{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Control) Close() error { return c.conn.Close() }

func (c *Control) call(ctx context.Context, method string, in, out any) error {
	req := &structpb.Struct{}
	if in != nil {
		var err error
		if req, err = api.ToStruct(in); err != nil {
			return err
		}
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+api.ControlServiceName+"/"+method, req, resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return api.FromStruct(resp, out)
}

// Status returns the engine status.
func (c *Control) Status(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	return &st, c.call(ctx, "Status", nil, &st)
}

// Pause stops new orders.
func (c *Control) Pause(ctx context.Context, reason string) (*engine.Status, error) {
	var st engine.Status
	return &st, c.call(ctx, "Pause", map[string]string{"reason": reason}, &st)
}

// Resume re-enables trading.
func (c *Control) Resume(ctx context.Context) (*engine.Status, error) {
	var st engine.Status
	return &st, c.call(ctx, "Resume", nil, &st)
}

// Flatten closes every position.
func (c *Control) Flatten(ctx context.Context) (int, error) {
	var out struct {
		Orders int `json:"orders"`
	}
	err := c.call(ctx, "Flatten", nil, &out)
	return out.Orders, err
}

// RunBacktest runs a backtest on the server.
func (c *Control) RunBacktest(ctx context.Context, req app.BacktestRequest) (*api.BacktestResponse, error) {
	var out api.BacktestResponse
	return &out, c.call(ctx, "RunBacktest", req, &out)
}

// Report returns the daily report text.
func (c *Control) Report(ctx context.Context) (string, error) {
	var out struct {
		Report string `json:"report"`
	}
	err := c.call(ctx, "Report", nil, &out)
	return out.Report, err
}
