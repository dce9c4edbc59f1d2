package temporal

const MaintenanceProgressQueryName = "maintenanceProgress"

type MaintenanceStep string

const (
	StepStarting      MaintenanceStep = "STARTING"
	StepReapStale     MaintenanceStep = "REAP_STALE"
	StepPromoteFailed MaintenanceStep = "PROMOTE_FAILED"
	StepPurgeOldItems MaintenanceStep = "PURGE_OLD_ITEMS"
	StepRetryFailed   MaintenanceStep = "RETRY_FAILED"
	StepDone          MaintenanceStep = "DONE"
)

// MaintenanceProgress answers MaintenanceProgressQueryName with the step in
// flight and the counts gathered so far.
type MaintenanceProgress struct {
	Step   MaintenanceStep   `json:"step"`
	Result MaintenanceResult `json:"result"`
}
