// Package server exposes a Scheduler over gRPC and HTTP.
//
// The gRPC service carries google.protobuf.Struct messages, so no generated
// code is needed:
//
//	/evalsearch.v1.Scheduler/Schedule        {client_id, job_id}    → {accepted}
//	/evalsearch.v1.Scheduler/ScheduleResume  {client_id, folder_id} → {accepted}
//	/evalsearch.v1.Scheduler/Terminate       {client_id, job_id}    → {terminated}
//	/evalsearch.v1.Scheduler/GetQueue        {}                     → {jobs: [...]}
//	/evalsearch.v1.Scheduler/GetRunStatus    {client_id}            → {statuses: {job: {status, percent}}}
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/evalsearch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "evalsearch.v1.Scheduler"

const (
	methodSchedule       = "Schedule"
	methodScheduleResume = "ScheduleResume"
	methodTerminate      = "Terminate"
	methodGetQueue       = "GetQueue"
	methodGetRunStatus   = "GetRunStatus"
)

// Scheduler is the part of scheduler.Scheduler the servers need.
type Scheduler interface {
	Schedule(clientID, jobID string) bool
	ScheduleResume(clientID, folderID string) bool
	Terminate(clientID, jobID string) bool
	GetQueue() []string
	GetRunStatusForClient(clientID string) map[string]types.RunStatus
}

// handler is implemented by GRPCServer; grpc checks registrations against it.
type handler interface {
	handle(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodSchedule, Handler: unary(methodSchedule)},
		{MethodName: methodScheduleResume, Handler: unary(methodScheduleResume)},
		{MethodName: methodTerminate, Handler: unary(methodTerminate)},
		{MethodName: methodGetQueue, Handler: unary(methodGetQueue)},
		{MethodName: methodGetRunStatus, Handler: unary(methodGetRunStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "evalsearch/v1/scheduler",
}

func unary(method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		call := func(ctx context.Context, req any) (any, error) {
			return srv.(handler).handle(ctx, method, req.(*structpb.Struct))
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, call)
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// GRPCServer serves the scheduler service.
type GRPCServer struct {
	sched  Scheduler
	logger *slog.Logger
}

func NewGRPCServer(sched Scheduler, logger *slog.Logger) *GRPCServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCServer{sched: sched, logger: logger.With("component", "grpc")}
}

// Register adds the service to s.
func (g *GRPCServer) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, g)
}

// NewServer returns a grpc.Server with the service and request logging
// installed.
func (g *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(g.logCalls))
	s := grpc.NewServer(opts...)
	g.Register(s)
	return s
}

func (g *GRPCServer) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	g.logger.Debug("rpc",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start).String())
	return resp, err
}

func (g *GRPCServer) handle(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	str := func(name string) string { return fields[name].GetStringValue() }

	if method == methodGetQueue {
		jobs := g.sched.GetQueue()
		list := make([]any, len(jobs))
		for i, j := range jobs {
			list[i] = j
		}
		return newStruct(map[string]any{"jobs": list})
	}

	clientID := str("client_id")
	if clientID == "" {
		return nil, status.Error(codes.InvalidArgument, "client_id is required")
	}

	switch method {
	case methodSchedule:
		jobID, err := required(str, "job_id")
		if err != nil {
			return nil, err
		}
		return newStruct(map[string]any{"accepted": g.sched.Schedule(clientID, jobID)})
	case methodScheduleResume:
		folderID, err := required(str, "folder_id")
		if err != nil {
			return nil, err
		}
		return newStruct(map[string]any{"accepted": g.sched.ScheduleResume(clientID, folderID)})
	case methodTerminate:
		jobID, err := required(str, "job_id")
		if err != nil {
			return nil, err
		}
		return newStruct(map[string]any{"terminated": g.sched.Terminate(clientID, jobID)})
	case methodGetRunStatus:
		statuses := make(map[string]any)
		for job, st := range g.sched.GetRunStatusForClient(clientID) {
			statuses[job] = map[string]any{"status": string(st.Status), "percent": st.Percent}
		}
		return newStruct(map[string]any{"statuses": statuses})
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

func required(str func(string) string, name string) (string, error) {
	v := str(name)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return v, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}
