package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/db"
	"affiliate-reconcile/pkg/logger"
	"affiliate-reconcile/pkg/task"
	"affiliate-reconcile/services/anomaly"
	"affiliate-reconcile/services/policy"
	"affiliate-reconcile/services/reconciler"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		task.Client,
		task.Server,
		fx.Provide(provideSnowflakeNode),
		policy.Module,
		reconciler.Module,
		reconciler.TaskModule,
		anomaly.Module,
		anomaly.TaskModule,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
