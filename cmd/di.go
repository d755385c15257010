package cmd

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/fleet"
)

func initRunner(cfg *config.Config, log *zap.Logger) (*fleet.Runner, error) {
	var r *fleet.Runner
	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, log),
		fleet.Module,
		fx.Populate(&r),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return r, nil
}
