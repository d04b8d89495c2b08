package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-select/internal/model"
)

// #region types
// FeedbackReply is the server's answer to a Feedback call.
type FeedbackReply struct {
	Decision     string
	Reason       string
	VersionID    string
	Observations uint64
	WeightSum    float64
}

// #endregion types

// #region client-struct
// Client wraps a connection to a selection server.
type Client struct {
	conn   *grpc.ClientConn
	client SelectionClient
}

// #endregion client-struct

// #region constructor
// NewClient connects to the selection server at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return NewClientWithConn(conn), nil
}

// NewClientWithConn creates a Client over an existing connection. Close closes
// conn.
func NewClientWithConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, client: NewSelectionClient(conn)}
}

// NewClientWithService creates a Client with an injected service implementation.
func NewClientWithService(svc SelectionClient) *Client {
	return &Client{client: svc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region select
// Select asks the server which models should predict q.
func (c *Client) Select(ctx context.Context, q model.Query) ([]model.PredictTask, error) {
	resp, err := c.client.Select(ctx, queryStruct(q))
	if err != nil {
		return nil, fromStatus("select", err)
	}
	tasks, err := decodeTasks(resp, q.Input)
	if err != nil {
		return nil, fmt.Errorf("select rpc: %w", err)
	}
	return tasks, nil
}

// #endregion select

// #region feedback
// Feedback reports the true value for q along with the predictions served.
func (c *Client) Feedback(ctx context.Context, q model.Query, trueValue float64, predictions []model.Output) (FeedbackReply, error) {
	resp, err := c.client.Feedback(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"query":       structpb.NewStructValue(queryStruct(q)),
		"true_value":  structpb.NewNumberValue(trueValue),
		"predictions": outputsValue(predictions),
	}})
	if err != nil {
		return FeedbackReply{}, fromStatus("feedback", err)
	}

	f := newFields("response", resp)
	reply := FeedbackReply{
		Decision:     f.str("decision"),
		Reason:       f.str("reason"),
		VersionID:    f.str("version_id"),
		Observations: uint64(f.integer("observations")),
		WeightSum:    f.num("weight_sum"),
	}
	if f.err != nil {
		return FeedbackReply{}, fmt.Errorf("feedback rpc: %w", f.err)
	}
	return reply, nil
}

// #endregion feedback

// #region combine
// Combine asks the server to merge predictions for q.
func (c *Client) Combine(ctx context.Context, q model.Query, predictions []model.Output) (model.Output, error) {
	resp, err := c.client.Combine(ctx, &structpb.Struct{Fields: map[string]*structpb.Value{
		"query":       structpb.NewStructValue(queryStruct(q)),
		"predictions": outputsValue(predictions),
	}})
	if err != nil {
		return model.Output{}, fromStatus("combine", err)
	}

	f := newFields("response", resp)
	out := f.outputAt("output")
	if f.err != nil {
		return model.Output{}, fmt.Errorf("combine rpc: %w", f.err)
	}
	return out, nil
}

// #endregion combine
