package controller

import (
	"time"

	"github.com/ChuLiYu/chunk-pregen/internal/notify"
)

// ============================================================================
// 背景循環
// ============================================================================

// broadcastLoop 定期廣播所有未終結任務的進度（含暫停中的任務）
func (c *Controller) broadcastLoop(interval time.Duration) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Broadcast loop stopped")
			return
		case <-ticker.C:
			c.broadcastProgress()
		}
	}
}

// broadcastProgress 對每個未終結任務發出一則進度事件
func (c *Controller) broadcastProgress() int {
	now := c.now()
	active := c.jobManager.Active()
	for _, job := range active {
		c.publish(notify.Progress(job.Snapshot(now), now))
	}
	c.metrics.SetActiveJobs(len(active))
	return len(active)
}

// autosaveLoop 定期寫快照，讓進度計數在崩潰後損失有限
func (c *Controller) autosaveLoop(interval time.Duration) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Autosave loop stopped")
			return
		case <-ticker.C:
			c.Save()
		}
	}
}

// Save 立即寫出快照
func (c *Controller) Save() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.persist()
}
