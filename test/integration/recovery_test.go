// ============================================================================
// chunk-pregen 恢復測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 端到端恢復功能測試
//
// TestEndToEndRecovery:
//   三個世界各一個任務，模擬 10% 失敗率，
//   執行中反覆停止並以新的控制器重新啟動（世界保留，如同磁碟上的存檔）。
//   預期：
//   - 每個任務最終都完成，generated == total
//   - 沒有任務遺失或重複
//   - 暫停中的任務在重啟後維持暫停，恢復後才繼續
//
// TestCancelSurvivesRestart:
//   取消後立即重啟，任務維持取消狀態且不會再被附著引擎。
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunk-pregen/internal/controller"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

// newWorlds 建立三個模擬世界；測試結束時關閉
func newWorlds(t testing.TB, failureRate float64) *world.Simulated {
	t.Helper()
	worlds, err := world.NewSimulated([]world.Spawn{
		{Name: "overworld"},
		{Name: "nether", Spawn: types.Cell{X: 4, Z: 4}},
		{Name: "the_end"},
	}, world.SimOptions{
		Workers:     4,
		Latency:     time.Millisecond,
		FailureRate: failureRate,
		Seed:        42,
	})
	require.NoError(t, err)
	t.Cleanup(worlds.Close)
	return worlds
}

// startController 在 dir 上建立並啟動控制器（含恢復）
func startController(t testing.TB, dir string, worlds world.Resolver) *controller.Controller {
	t.Helper()
	ctrl, err := controller.NewController(controller.Config{
		MaxRadius:     64,
		TaskInterval:  2 * time.Millisecond,
		MaxConcurrent: 8,
		MaxRetries:    3,
		SnapshotPath:  filepath.Join(dir, "jobs.yml"),
		WALPath:       filepath.Join(dir, "jobs.wal"),
	}, worlds)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	return ctrl
}

func TestEndToEndRecovery(t *testing.T) {
	dir := t.TempDir()
	worlds := newWorlds(t, 0.1)
	ctx := context.Background()

	ctrl := startController(t, dir, worlds)
	requests := []controller.StartRequest{
		{World: "overworld", Radius: 10, Shape: "square"},
		{World: "nether", Radius: 9, Shape: "disc"},
		{World: "the_end", Radius: 8},
	}
	ids := make([]string, 0, len(requests))
	totals := make(map[string]int64)
	for _, req := range requests {
		snap, err := ctrl.StartJob(ctx, req)
		require.NoError(t, err)
		ids = append(ids, snap.ID)
		totals[snap.ID] = snap.Total
	}

	// 暫停第一個任務，確認重啟後仍維持暫停
	_, err := ctrl.Pause(ids[0])
	require.NoError(t, err)

	// 三次「崩潰」：執行一段時間後停止，再以新的控制器恢復
	for round := 0; round < 3; round++ {
		time.Sleep(30 * time.Millisecond)
		ctrl.Stop()

		ctrl = startController(t, dir, worlds)
		require.Len(t, ctrl.List(), len(requests), "round %d: no job lost or duplicated", round)

		paused, err := ctrl.Status(ids[0])
		require.NoError(t, err)
		assert.Equal(t, types.StatusPaused, paused.Status, "round %d: pause survives restart", round)
	}
	defer ctrl.Stop()

	_, err = ctrl.Pause(ids[0])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			snap, err := ctrl.Status(id)
			if err != nil || snap.Status != types.StatusFinished {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond, "all jobs should finish after recovery")

	for _, id := range ids {
		snap, err := ctrl.Status(id)
		require.NoError(t, err)
		assert.Equal(t, totals[id], snap.Generated, "job %s accounted every cell", snap.ShortID)
		assert.Equal(t, 100.0, snap.Progress)
	}

	// 完成收尾在背景執行，最後一個任務可能仍在解除附著
	require.Eventually(t, func() bool {
		return ctrl.GetStatus()["attached"] == 0
	}, 5*time.Second, 10*time.Millisecond)

	status := ctrl.GetStatus()
	t.Logf("Finished: %v, attached: %v", status["finished"], status["attached"])
	assert.Equal(t, 3, status["finished"])
}

func TestCancelSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	worlds := newWorlds(t, 0)

	ctrl := startController(t, dir, worlds)
	snap, err := ctrl.StartJob(context.Background(), controller.StartRequest{World: "overworld", Radius: 40})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	cancelled, err := ctrl.Cancel(snap.ShortID)
	require.NoError(t, err)
	ctrl.Stop()

	ctrl = startController(t, dir, worlds)
	defer ctrl.Stop()

	got, err := ctrl.Status(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, got.Status)
	assert.GreaterOrEqual(t, got.Generated, cancelled.Generated)
	assert.Less(t, got.Generated, got.Total)
	assert.Equal(t, 0, ctrl.GetStatus()["attached"], "cancelled jobs are not resumed")
	assert.Empty(t, ctrl.Active())
}
