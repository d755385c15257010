package fleet

import (
	"context"
	"fmt"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/workflow"
)

// SelfTest checks SSH and management API access to every host and prints a
// pass/fail table. Failures are reported but do not stop a following run.
func (r *Runner) SelfTest(ctx context.Context) []workflow.CheckResult {
	r.log.Info("Running connectivity self-test", zap.Int("hosts", len(r.cfg.Hosts)))

	results := make([]workflow.CheckResult, 0, len(r.cfg.Hosts))
	for _, host := range r.cfg.Hosts {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.hosts.Check(ctx, host))
	}

	tw := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HOST\tADDRESS\tSSH\tAPI\tVERSION")
	for _, res := range results {
		version := res.Version
		if version == "" {
			version = res.Product
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.Host, res.Address, status(res.ShellErr), status(res.APIErr), version)
	}
	_ = tw.Flush()

	return results
}

func status(err error) string {
	if err != nil {
		return "FAIL"
	}
	return "OK"
}
