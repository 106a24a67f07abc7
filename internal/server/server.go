// ============================================================================
// chunk-pregen gRPC 控制服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 把控制器的 start/pause/cancel/status/list 指令暴露為 gRPC 服務
//
// 錯誤對應:
//   - 找不到任務 / 任務已終結 → NotFound / FailedPrecondition
//   - 半徑、形狀、座標、前綴不明確 → InvalidArgument
//   - 世界不存在 → NotFound
//   - 控制器停止中 → Unavailable
//   訊息內容一律是 controller.Describe 的一行文字。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/chunk-pregen/internal/controller"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

var log = slog.Default()

// Commands 服務需要的控制器指令
type Commands interface {
	StartJob(ctx context.Context, req controller.StartRequest) (types.JobSnapshot, error)
	Pause(idOrPrefix string) (types.JobSnapshot, error)
	Cancel(idOrPrefix string) (types.JobSnapshot, error)
	Status(idOrPrefix string) (types.JobSnapshot, error)
	List() []types.JobSnapshot
}

// Server 實作 PregenServer
type Server struct {
	commands Commands
}

var _ PregenServer = (*Server)(nil)

// NewServer 建立控制服務
func NewServer(commands Commands) *Server {
	return &Server{commands: commands}
}

// NewGRPCServer 建立註冊好控制服務與 health 服務的 grpc.Server
func NewGRPCServer(srv PregenServer, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary))
	gs := grpc.NewServer(opts...)
	Register(gs, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

// Start 啟動任務
//
// 請求欄位: world, radius, shape（可省略）, x, z（cell 座標，需同時提供）
func (s *Server) Start(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()

	radius, err := intField(fields, "radius")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if radius == nil {
		return nil, status.Error(codes.InvalidArgument, "radius is required")
	}
	x, err := intField(fields, "x")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	z, err := intField(fields, "z")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	snap, err := s.commands.StartJob(ctx, controller.StartRequest{
		World:   fields["world"].GetStringValue(),
		Radius:  *radius,
		Shape:   fields["shape"].GetStringValue(),
		CenterX: x,
		CenterZ: z,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeSnapshot(snap)
}

// Pause 切換暫停狀態
func (s *Server) Pause(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(in, s.commands.Pause)
}

// Cancel 取消任務
func (s *Server) Cancel(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(in, s.commands.Cancel)
}

// Status 查詢任務
func (s *Server) Status(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.byID(in, s.commands.Status)
}

// List 列出所有任務；回應為 {"jobs": [...]}
func (s *Server) List(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snaps := s.commands.List()
	jobs := make([]any, 0, len(snaps))
	for _, snap := range snaps {
		st, err := encodeSnapshot(snap)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, st.AsMap())
	}
	out, err := structpb.NewStruct(map[string]any{"jobs": jobs})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode job list: %v", err)
	}
	return out, nil
}

func (s *Server) byID(in *structpb.Struct, cmd func(string) (types.JobSnapshot, error)) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	snap, err := cmd(id)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeSnapshot(snap)
}

// ============================================================================
// 編碼輔助
// ============================================================================

// intField 讀取可省略的整數欄位；欄位不存在時返回 nil
func intField(fields map[string]*structpb.Value, key string) (*int, error) {
	v, ok := fields[key]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != math.Trunc(n.NumberValue) {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	i := int(n.NumberValue)
	return &i, nil
}

// encodeSnapshot 以 JSON 欄位名稱把任務檢視轉成 Struct
func encodeSnapshot(snap types.JobSnapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode job: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode job: %v", err)
	}
	return out, nil
}

// decodeSnapshot encodeSnapshot 的反向
func decodeSnapshot(in *structpb.Struct) (types.JobSnapshot, error) {
	var snap types.JobSnapshot
	data, err := protojson.Marshal(in)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode job: %w", err)
	}
	return snap, nil
}

// toStatus 把指令錯誤轉為 gRPC status
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, controller.ErrJobNotFound), errors.Is(err, controller.ErrWorldNotFound):
		code = codes.NotFound
	case errors.Is(err, controller.ErrJobTerminal):
		code = codes.FailedPrecondition
	case errors.Is(err, controller.ErrInvalidRadius),
		errors.Is(err, controller.ErrInvalidShape),
		errors.Is(err, controller.ErrInvalidCoordinates),
		errors.Is(err, controller.ErrAmbiguousID):
		code = codes.InvalidArgument
	case errors.Is(err, controller.ErrControllerStopped):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, controller.Describe(err))
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Warn("RPC failed",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"error", status.Convert(err).Message(),
			"duration", time.Since(start))
		return resp, err
	}
	log.Debug("RPC served", "method", info.FullMethod, "duration", time.Since(start))
	return resp, nil
}
