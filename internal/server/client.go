package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// StartParams Client.Start 的參數；X/Z 為 cell 座標，需同時提供或同時省略
type StartParams struct {
	World  string
	Radius int
	Shape  string
	X      *int
	Z      *int
}

// Client 控制服務的客戶端（CLI 使用）
type Client struct {
	conn *grpc.ClientConn
}

// Dial 建立到控制服務的連線（不加密，服務只監聽本機）
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close 關閉連線
func (c *Client) Close() error {
	return c.conn.Close()
}

// Start 啟動任務
func (c *Client) Start(ctx context.Context, p StartParams) (types.JobSnapshot, error) {
	fields := map[string]any{
		"world":  p.World,
		"radius": p.Radius,
		"shape":  p.Shape,
	}
	if p.X != nil {
		fields["x"] = *p.X
	}
	if p.Z != nil {
		fields["z"] = *p.Z
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return types.JobSnapshot{}, err
	}
	return c.call(ctx, MethodStart, in)
}

// Pause 切換暫停狀態
func (c *Client) Pause(ctx context.Context, id string) (types.JobSnapshot, error) {
	return c.callID(ctx, MethodPause, id)
}

// Cancel 取消任務
func (c *Client) Cancel(ctx context.Context, id string) (types.JobSnapshot, error) {
	return c.callID(ctx, MethodCancel, id)
}

// Status 查詢任務
func (c *Client) Status(ctx context.Context, id string) (types.JobSnapshot, error) {
	return c.callID(ctx, MethodStatus, id)
}

// List 列出所有任務
func (c *Client) List(ctx context.Context) ([]types.JobSnapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(MethodList), &structpb.Struct{}, out); err != nil {
		return nil, err
	}
	values := out.GetFields()["jobs"].GetListValue().GetValues()
	snaps := make([]types.JobSnapshot, 0, len(values))
	for _, v := range values {
		snap, err := decodeSnapshot(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Healthy 查詢 health 服務
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) callID(ctx context.Context, method, id string) (types.JobSnapshot, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return types.JobSnapshot{}, err
	}
	return c.call(ctx, method, in)
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct) (types.JobSnapshot, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return types.JobSnapshot{}, err
	}
	return decodeSnapshot(out)
}

// Message 取出 RPC 錯誤中給使用者看的文字
func Message(err error) string {
	if st, ok := status.FromError(err); ok {
		return st.Message()
	}
	return err.Error()
}
