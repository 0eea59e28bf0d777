package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/db"
	"affiliate-reconcile/pkg/logger"
	"affiliate-reconcile/pkg/redis"
	"affiliate-reconcile/pkg/task"
	"affiliate-reconcile/services/anomaly"
	"affiliate-reconcile/services/conversion"
	"affiliate-reconcile/services/extractor"
	"affiliate-reconcile/services/identity"
	"affiliate-reconcile/services/pipeline"
	"affiliate-reconcile/services/policy"
	"affiliate-reconcile/services/reconciler"
)

func main() {
	var (
		mode      = flag.String("mode", "report-only", "report-only or apply-fixes")
		from      = flag.String("from", "", "only process orders created on/after this date (YYYY-MM-DD)")
		to        = flag.String("to", "", "only process orders created before this date (YYYY-MM-DD)")
		affiliate = flag.String("affiliate", "", "restrict reconciliation to one affiliate profile ID")
		asJSON    = flag.Bool("json", false, "emit the run summary as JSON")
	)
	flag.Parse()

	opts, err := buildOptions(*mode, *from, *to, *affiliate)
	if err != nil {
		log.Fatalf("invalid flags: %v", err)
	}

	appOpts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		fx.Provide(provideSnowflakeNode),
		extractor.Module,
		identity.Module,
		policy.Module,
		conversion.Module,
		reconciler.Module,
		anomaly.Module,
		pipeline.Module,
		fx.Supply(opts),
		fx.Invoke(migrate),
		fx.Invoke(runPipeline(*asJSON)),
		fxLogger,
	}

	if err := fx.ValidateApp(appOpts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(appOpts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// migrate creates the engine-owned tables. The platform owns users,
// affiliate_profiles, transactions, conversions and wallets.
func migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&extractor.SourcePage{}, &reconciler.ReconcileRun{})
}

type runParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Pipeline   *pipeline.Service
	Options    pipeline.Options
}

func runPipeline(asJSON bool) func(p runParams) {
	return func(p runParams) {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					summary, err := p.Pipeline.Run(context.Background(), p.Options)

					// The operator gets a summary even on partial failure.
					if asJSON {
						_ = summary.WriteJSON(os.Stdout)
					} else {
						summary.WriteText(os.Stdout)
					}

					code := 0
					if err != nil {
						zap.L().Error("pipeline run failed", zap.Error(err))
						code = 1
					}
					_ = p.Shutdowner.Shutdown(fx.ExitCode(code))
				}()
				return nil
			},
		})
	}
}

func buildOptions(mode, from, to, affiliate string) (pipeline.Options, error) {
	opts := pipeline.Options{AffiliateID: affiliate}

	switch mode {
	case "apply-fixes":
		opts.Mode = pipeline.ModeApplyFixes
	default:
		opts.Mode = pipeline.ModeReportOnly
	}

	if from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			return opts, err
		}
		opts.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			return opts, err
		}
		opts.To = t
	}

	return opts, nil
}
