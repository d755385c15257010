package fleet

import (
	"context"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/report"
)

// finish prints and stores rep. Every output is best-effort: a failure is
// logged and never changes the run result.
func (r *Runner) finish(ctx context.Context, rep *report.Report) {
	if err := rep.PrintTable(r.out); err != nil {
		r.log.Warn("Failed to print report", zap.Error(err))
	}

	if path := r.cfg.Settings.ReportPath; path != "" {
		if err := rep.WriteJSON(path); err != nil {
			r.log.Warn("Failed to write report", zap.String("path", path), zap.Error(err))
		} else {
			r.log.Info("Report written", zap.String("path", path))
		}
	}

	if r.recorder != nil {
		r.recorder.RecordReport(rep)
		if path := r.cfg.Settings.MetricsTextfile; path != "" {
			if err := r.recorder.WriteTextfile(path); err != nil {
				r.log.Warn("Failed to write metrics", zap.String("path", path), zap.Error(err))
			}
		}
	}

	if r.publisher != nil {
		if err := r.publisher.PublishReport(ctx, rep); err != nil {
			r.log.Warn("Failed to publish report", zap.Error(err))
		}
	}

	for _, closeFn := range r.closers {
		if err := closeFn(ctx); err != nil {
			r.log.Warn("Cleanup after run failed", zap.Error(err))
		}
	}

	if failed := rep.Failed(); len(failed) > 0 {
		r.log.Error("Patch run finished with failures", zap.Strings("failed", failed))
		return
	}
	r.log.Info("Patch run finished", zap.Int("hosts", len(rep.Hosts)))
}
