package rpc

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-select/internal/dispatch"
	"github.com/danielpatrickdp/adaptive-select/internal/model"
)

// #region selector
// Selector is the dispatcher surface the server exposes.
type Selector interface {
	Select(ctx context.Context, q model.Query) ([]model.PredictTask, error)
	Feedback(ctx context.Context, q model.Query, fb model.Feedback, predictions []model.Output) (dispatch.FeedbackResult, error)
	Combine(ctx context.Context, q model.Query, predictions []model.Output) (model.Output, error)
}

// #endregion selector

// #region server
// Server adapts a Selector to SelectionServer.
type Server struct {
	sel Selector
}

// NewServer wraps sel.
func NewServer(sel Selector) *Server {
	return &Server{sel: sel}
}

// Register installs the selection service and a health service reporting
// SERVING for it on gs.
func Register(gs *grpc.Server, srv SelectionServer) *health.Server {
	gs.RegisterService(&ServiceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// Select decodes a query and returns its predict tasks.
func (s *Server) Select(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	q, err := decodeQuery(req)
	if err != nil {
		return nil, toStatus(err)
	}
	tasks, err := s.sel.Select(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return tasksStruct(tasks), nil
}

// Feedback decodes ground truth with the predictions that were served and
// reports the dispatcher's decision.
func (s *Server) Feedback(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := newFields("request", req)
	q := f.queryAt("query")
	truth := f.num("true_value")
	preds := f.outputs("predictions")
	if err := f.err; err != nil {
		return nil, toStatus(err)
	}

	res, err := s.sel.Feedback(ctx, q, model.Feedback{Input: q.Input, TrueValue: truth}, preds)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"decision":     structpb.NewStringValue(res.Decision),
		"reason":       structpb.NewStringValue(res.Reason),
		"version_id":   structpb.NewStringValue(res.VersionID),
		"observations": structpb.NewNumberValue(float64(res.State.Observations())),
		"weight_sum":   structpb.NewNumberValue(res.State.WeightSum()),
	}}, nil
}

// Combine merges served predictions with the policy's combiner.
func (s *Server) Combine(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := newFields("request", req)
	q := f.queryAt("query")
	preds := f.outputs("predictions")
	if err := f.err; err != nil {
		return nil, toStatus(err)
	}

	out, err := s.sel.Combine(ctx, q, preds)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"output": outputValue(out),
	}}, nil
}

// #endregion server

// #region interceptor
// LoggingInterceptor logs every unary call with its method, status code and
// duration.
func LoggingInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		entry := log.WithFields(logrus.Fields{
			"method":   info.FullMethod,
			"code":     status.Code(err).String(),
			"duration": time.Since(start),
		})
		if err != nil {
			entry.WithError(err).Warn("rpc failed")
		} else {
			entry.Debug("rpc")
		}
		return resp, err
	}
}

// #endregion interceptor
