package cli

// ============================================================================
// run 指令的常駐程序
//
// 組裝順序：模擬世界 → 通知 → 指標 → 控制器（含崩潰恢復）→ gRPC → HTTP
// 關閉順序相反；控制器在所有指令入口關閉之後才停止並寫出最後的快照。
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/chunk-pregen/internal/config"
	"github.com/ChuLiYu/chunk-pregen/internal/controller"
	"github.com/ChuLiYu/chunk-pregen/internal/httpapi"
	"github.com/ChuLiYu/chunk-pregen/internal/metrics"
	"github.com/ChuLiYu/chunk-pregen/internal/notify"
	"github.com/ChuLiYu/chunk-pregen/internal/server"
	"github.com/ChuLiYu/chunk-pregen/internal/snapshot"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// daemon 一個執行中的預生成服務
type daemon struct {
	worlds *world.Simulated
	ctrl   *controller.Controller
	hub    *notify.Hub
	kafka  *notify.Kafka

	grpcServer *grpc.Server
	grpcLis    net.Listener
	httpServer *httpapi.Server
	httpLis    net.Listener

	errCh chan error
}

// controllerConfig 把檔案設定轉為控制器設定
func controllerConfig(cfg *config.Config) controller.Config {
	return controller.Config{
		MaxRadius:         cfg.Pregen.MaxRadius,
		TaskInterval:      cfg.TaskInterval(),
		MaxConcurrent:     cfg.Pregen.MaxConcurrentCells,
		MaxRetries:        cfg.Pregen.MaxCellRetries,
		ProgressLogTicks:  cfg.Pregen.ProgressLogTicks,
		BroadcastInterval: cfg.BroadcastInterval(),
		AutosaveInterval:  cfg.AutosaveInterval(),
		ResumeDelay:       cfg.Pregen.ResumeDelay,
		SnapshotPath:      cfg.Storage.JobsFile,
		WALPath:           cfg.Storage.WALFile,
		SyncOnAppend:      cfg.Storage.SyncOnAppend,
	}
}

// newWorlds 依設定建立模擬世界；出生點以方塊座標設定
func newWorlds(cfg *config.Config) (*world.Simulated, error) {
	spawns := make([]world.Spawn, 0, len(cfg.World.Worlds))
	for _, w := range cfg.World.Worlds {
		spawns = append(spawns, world.Spawn{
			Name:  w.Name,
			Spawn: types.Cell{X: types.BlockToCell(w.SpawnX), Z: types.BlockToCell(w.SpawnZ)},
		})
	}
	return world.NewSimulated(spawns, world.SimOptions{
		Workers:     cfg.World.Workers,
		Latency:     cfg.World.Latency,
		FailureRate: cfg.World.FailureRate,
	})
}

// startDaemon 組裝並啟動所有組件
func startDaemon(ctx context.Context, cfg *config.Config) (d *daemon, err error) {
	d = &daemon{errCh: make(chan error, 2)}
	defer func() {
		if err != nil {
			d.shutdown()
			d = nil
		}
	}()

	if d.worlds, err = newWorlds(cfg); err != nil {
		return d, fmt.Errorf("failed to create worlds: %w", err)
	}

	d.hub = notify.NewHub()
	sinks := notify.NewMulti(notify.NewLog(slog.Default()), d.hub)
	if cfg.Kafka.Enabled {
		if d.kafka, err = notify.NewKafka(notify.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}); err != nil {
			return d, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		sinks.Add(d.kafka)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []controller.Option{
		controller.WithNotifier(sinks),
		controller.WithMetrics(metrics.NewCollector(reg)),
	}
	if cfg.Mirror.Enabled {
		mirror, err := snapshot.NewMinioMirror(snapshot.MinioConfig{
			Endpoint:        cfg.Mirror.Endpoint,
			AccessKeyID:     cfg.Mirror.AccessKeyID,
			SecretAccessKey: cfg.Mirror.SecretAccessKey,
			UseSSL:          cfg.Mirror.UseSSL,
			Region:          cfg.Mirror.Region,
			Bucket:          cfg.Mirror.Bucket,
			Object:          cfg.Mirror.Object,
		})
		if err != nil {
			return d, fmt.Errorf("failed to create snapshot mirror: %w", err)
		}
		opts = append(opts, controller.WithSnapshotMirror(mirror))
	}

	ctrl, err := controller.NewController(controllerConfig(cfg), d.worlds, opts...)
	if err != nil {
		return d, fmt.Errorf("failed to create controller: %w", err)
	}
	d.ctrl = ctrl
	if err := ctrl.Start(ctx); err != nil {
		return d, fmt.Errorf("failed to start controller: %w", err)
	}

	if d.grpcLis, err = net.Listen("tcp", cfg.GRPC.Addr); err != nil {
		return d, fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}
	d.grpcServer, _ = server.NewGRPCServer(server.NewServer(ctrl))
	go func() {
		log.Info("gRPC server listening", "addr", d.grpcLis.Addr().String())
		if err := d.grpcServer.Serve(d.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			d.errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if cfg.HTTP.Enabled {
		if d.httpServer, err = httpapi.NewServer(cfg.HTTP.Addr, ctrl, httpapi.Options{Events: d.hub, Gatherer: reg}); err != nil {
			return d, err
		}
		if d.httpLis, err = net.Listen("tcp", cfg.HTTP.Addr); err != nil {
			return d, fmt.Errorf("failed to listen on %s: %w", cfg.HTTP.Addr, err)
		}
		go func() {
			if err := d.httpServer.Serve(d.httpLis); err != nil {
				d.errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	return d, nil
}

// grpcAddr 實際監聽的 gRPC 位址
func (d *daemon) grpcAddr() string {
	return d.grpcLis.Addr().String()
}

// httpAddr 實際監聽的 HTTP 位址；未啟用時為空字串
func (d *daemon) httpAddr() string {
	if d.httpLis == nil {
		return ""
	}
	return d.httpLis.Addr().String()
}

// wait 阻塞到 ctx 結束或任一伺服器失敗
func (d *daemon) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-d.errCh:
		return err
	}
}

// shutdown 依啟動的相反順序關閉；可以在部分啟動失敗後呼叫
func (d *daemon) shutdown() {
	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = d.httpServer.Shutdown(ctx)
		cancel()
	} else if d.httpLis != nil {
		d.httpLis.Close()
	}
	if d.hub != nil {
		d.hub.Close()
	}
	if d.grpcServer != nil {
		d.grpcServer.GracefulStop()
	} else if d.grpcLis != nil {
		d.grpcLis.Close()
	}
	if d.ctrl != nil {
		d.ctrl.Stop()
	}
	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			log.Warn("Failed to close kafka publisher", "error", err)
		}
	}
	if d.worlds != nil {
		d.worlds.Close()
	}
}
