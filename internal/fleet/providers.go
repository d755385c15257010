package fleet

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/metrics"
	"github.com/kidoz/esxi-patcher-go/internal/workflow"
	"github.com/kidoz/esxi-patcher-go/internal/zabbix"
)

// Module provides a Runner wired with metrics and the enabled Zabbix features.
var Module = fx.Module("fleet",
	fx.Provide(
		metrics.NewRecorder,
		ProvideRunner,
	),
	zabbix.Module,
)

// ProvideRunner assembles a Runner from its injected dependencies.
func ProvideRunner(
	cfg *config.Config,
	log *zap.Logger,
	recorder *metrics.Recorder,
	sender *zabbix.Sender,
	suppressor *zabbix.Suppressor,
) *Runner {
	opts := []Option{WithRecorder(recorder)}
	if cfg.Zabbix.Maintenance {
		opts = append(opts,
			WithControllerOptions(workflow.WithSuppressor(suppressor)),
			WithCloser(suppressor.Close),
		)
	}
	if cfg.Zabbix.Report {
		opts = append(opts, WithPublisher(sender))
	}
	return New(cfg, log, opts...)
}
