package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/ChuLiYu/chunk-pregen/pkg/types"
)

const barWidth = 30

// progressBar 以固定寬度畫出百分比（0..100）
func progressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := int(percent / 100 * float64(width))
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

// renderJob 單一任務的多行檢視
func renderJob(w io.Writer, s types.JobSnapshot) {
	fmt.Fprintf(w, "Job %s  %s  %s r=%d around (%s)\n",
		s.ShortID, s.World, s.Shape, s.Radius, types.Cell{X: s.CenterX, Z: s.CenterZ})
	fmt.Fprintf(w, "  %s %5.1f%%  %d/%d cells\n", progressBar(s.Progress, barWidth), s.Progress, s.Generated, s.Total)

	line := fmt.Sprintf("  %s, %.1f cells/s, elapsed %s", s.Status, s.Throughput, types.FormatETA(s.Elapsed))
	if !s.Status.IsTerminal() {
		line += ", ETA " + s.ETA
	}
	if s.Failed > 0 {
		line += fmt.Sprintf(", %d failed", s.Failed)
	}
	fmt.Fprintln(w, line)
}

// renderTable 所有任務的表格
func renderTable(w io.Writer, jobs []types.JobSnapshot) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "No pre-generation jobs.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORLD\tSHAPE\tRADIUS\tCENTER\tSTATUS\tPROGRESS")
	for _, s := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%.1f%% (%d/%d)\n",
			s.ShortID, s.World, s.Shape, s.Radius,
			types.Cell{X: s.CenterX, Z: s.CenterZ}, s.Status, s.Progress, s.Generated, s.Total)
	}
	return tw.Flush()
}
