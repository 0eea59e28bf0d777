package taskname

const (
	// Reconciliation tasks
	ReconcileAffiliate = "reconcile:affiliate"
	ReconcileAll       = "reconcile:all"

	// Anomaly tasks
	AnomalyScan  = "anomaly:scan"
	AnomalyApply = "anomaly:apply"
)
