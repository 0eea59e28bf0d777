package reconciler

import (
	"context"
	"encoding/json"
	"fmt"

	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/pkg/task"
	"affiliate-reconcile/pkg/taskname"
	"affiliate-reconcile/services/identity"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var TaskModule = fx.Module("task.reconciler",
	fx.Provide(NewTask),
	fx.Invoke(registerTaskHandlers),
)

// ReconcileAffiliatePayload requests reconciliation of one affiliate.
type ReconcileAffiliatePayload struct {
	AffiliateID string `json:"affiliate_id"`
	Fix         bool   `json:"fix"`
}

// ReconcileAllPayload fans out one task per active affiliate.
type ReconcileAllPayload struct {
	Fix bool `json:"fix"`
}

type Task struct {
	service  *Service
	enqueuer task.Enqueuer
	profiles repository.Repository[identity.AffiliateProfile]
}

type TaskParams struct {
	fx.In

	DB       *gorm.DB
	Service  *Service
	Enqueuer task.Enqueuer
}

func NewTask(p TaskParams) *Task {
	return &Task{
		service:  p.Service,
		enqueuer: p.Enqueuer,
		profiles: repository.ProvideStore[identity.AffiliateProfile](p.DB),
	}
}

func registerTaskHandlers(mux *asynq.ServeMux, t *Task) {
	mux.HandleFunc(taskname.ReconcileAffiliate, t.HandleReconcileAffiliateTask)
	mux.HandleFunc(taskname.ReconcileAll, t.HandleReconcileAllTask)
}

func (t *Task) HandleReconcileAffiliateTask(ctx context.Context, at *asynq.Task) error {
	var payload ReconcileAffiliatePayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	zapLog := zap.L().With(
		zap.String("task_type", at.Type()),
		zap.String("affiliate_id", payload.AffiliateID),
		zap.Bool("fix", payload.Fix),
	)
	zapLog.Info("start reconcile affiliate task")

	res, err := t.service.Reconcile(ctx, payload.AffiliateID, payload.Fix)
	if err != nil {
		zapLog.Error("reconcile failed", zap.Error(err))
		return err
	}

	zapLog.Info("reconcile finished",
		zap.String("state", string(res.State)),
		zap.Int64("drift", res.Drift),
	)
	return nil
}

func (t *Task) HandleReconcileAllTask(ctx context.Context, at *asynq.Task) error {
	var payload ReconcileAllPayload
	if err := json.Unmarshal(at.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	profiles, err := t.profiles.Find(ctx, &identity.AffiliateProfile{IsActive: true})
	if err != nil {
		return err
	}

	for _, profile := range profiles {
		b, err := json.Marshal(ReconcileAffiliatePayload{AffiliateID: profile.ID, Fix: payload.Fix})
		if err != nil {
			return err
		}
		if _, err := t.enqueuer.Enqueue(asynq.NewTask(taskname.ReconcileAffiliate, b)); err != nil {
			return err
		}
	}

	zap.L().Info("reconcile fan-out enqueued", zap.Int("affiliates", len(profiles)))
	return nil
}
