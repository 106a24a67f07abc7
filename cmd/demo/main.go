// Command demo shows crash recovery end to end.
//
//	go run ./cmd/demo start    # start a job, then exit abruptly mid-way
//	go run ./cmd/demo recover  # resume it from the persisted count
//
// State lives in ./demo-data; delete it to start over.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/chunk-pregen/internal/controller"
	"github.com/ChuLiYu/chunk-pregen/internal/notify"
	"github.com/ChuLiYu/chunk-pregen/internal/world"
	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

const dataDir = "demo-data"

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	worlds, err := world.NewSimulated([]world.Spawn{{Name: "overworld"}}, world.SimOptions{
		Workers:     4,
		Latency:     20 * time.Millisecond,
		FailureRate: 0.02,
	})
	if err != nil {
		log.Fatalf("Failed to create worlds: %v", err)
	}
	defer worlds.Close()

	finished := make(chan struct{}, 1)
	onEvent := notify.NotifierFunc(func(_ context.Context, e notify.Event) error {
		fmt.Println("  event:", e.Message())
		if e.Type == notify.EventJobFinished {
			select {
			case finished <- struct{}{}:
			default:
			}
		}
		return nil
	})

	ctrl, err := controller.NewController(controller.Config{
		MaxRadius:         64,
		TaskInterval:      50 * time.Millisecond,
		MaxConcurrent:     8,
		MaxRetries:        3,
		ProgressLogTicks:  40,
		BroadcastInterval: time.Second,
		AutosaveInterval:  250 * time.Millisecond,
		ResumeDelay:       500 * time.Millisecond,
		SnapshotPath:      filepath.Join(dataDir, "jobs.yml"),
		WALPath:           filepath.Join(dataDir, "jobs.wal"),
		SyncOnAppend:      true,
	}, worlds, controller.WithNotifier(onEvent))
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	switch mode {
	case "start":
		if active := ctrl.Active(); len(active) > 0 {
			fmt.Printf("Found %d unfinished job(s) from a previous run; use 'recover'.\n", len(active))
			printJobs(ctrl.List())
			ctrl.Stop()
			return
		}

		snap, err := ctrl.StartJob(context.Background(), controller.StartRequest{World: "overworld", Radius: 12, Shape: "disc"})
		if err != nil {
			log.Fatalf("Failed to start job: %s", controller.Describe(err))
		}
		fmt.Printf("Started job %s: %d cells\n", snap.ShortID, snap.Total)

		for i := 0; i < 10; i++ {
			time.Sleep(200 * time.Millisecond)
			printJobs(ctrl.Active())
		}

		// 不呼叫 Stop：模擬程序被強制結束
		fmt.Println("\nSimulating a crash (no shutdown). Run 'go run ./cmd/demo recover'.")
		os.Exit(2)

	case "recover":
		fmt.Println("Jobs after recovery:")
		printJobs(ctrl.List())
		if len(ctrl.Active()) == 0 {
			fmt.Println("Nothing to resume.")
			ctrl.Stop()
			return
		}

		select {
		case <-finished:
		case <-time.After(2 * time.Minute):
			fmt.Println("Timed out waiting for the job to finish.")
		}
		ctrl.Stop()
		fmt.Println("\nFinal state:")
		printJobs(ctrl.List())
	}
}

func printJobs(jobs []types.JobSnapshot) {
	for _, s := range jobs {
		fmt.Printf("  %s  %-9s %6.1f%%  %d/%d  %.1f cells/s  ETA %s\n",
			s.ShortID, s.Status, s.Progress, s.Generated, s.Total, s.Throughput, s.ETA)
	}
}
