package anomaly

import (
	"context"
	"encoding/json"
	"fmt"

	"affiliate-reconcile/pkg/task"
	"affiliate-reconcile/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var TaskModule = fx.Module("task.anomaly",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

// ApplyPayload carries the confirmed findings to correct. The scan task
// enqueues nothing by itself; an operator (or the apply-fixes pipeline)
// enqueues the apply task with the findings it confirmed.
type ApplyPayload struct {
	Findings []Finding `json:"findings"`
}

type Task struct {
	service  *Service
	enqueuer task.Enqueuer
}

type TaskParams struct {
	fx.In

	Service  *Service
	Enqueuer task.Enqueuer
}

func NewTask(p TaskParams) *Task {
	return &Task{service: p.Service, enqueuer: p.Enqueuer}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.AnomalyScan, t.HandleScanTask)
	mux.HandleFunc(taskname.AnomalyApply, t.HandleApplyTask)
}

func (t *Task) HandleScanTask(ctx context.Context, at *asynq.Task) error {
	zapLog := zap.L().With(zap.String("task_type", at.Type()))
	zapLog.Info("start anomaly scan task")

	findings, err := t.service.Scan(ctx)
	if err != nil {
		zapLog.Error("anomaly scan failed", zap.Error(err))
		return err
	}

	zapLog.Info("anomaly scan finished", zap.Int("findings", len(findings)))
	return nil
}

func (t *Task) HandleApplyTask(ctx context.Context, at *asynq.Task) error {
	var payload ApplyPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(zap.String("task_type", at.Type()))
	zapLog.Info("start anomaly apply task", zap.Int("findings", len(payload.Findings)))

	applied, err := t.service.Apply(ctx, payload.Findings)
	if err != nil {
		zapLog.Error("anomaly apply failed", zap.Error(err))
		return err
	}

	zapLog.Info("anomaly apply finished", zap.Int("applied", applied))
	return nil
}
