package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLotExpirySweep transitions past-expiry ACTIVE lots to EXPIRED.
	TaskLotExpirySweep = "lots:expiry-sweep"
)

// LotExpirySweepPayload carries scheduling metadata for the sweep.
type LotExpirySweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLotExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewLotExpirySweepTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(LotExpirySweepPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLotExpirySweep, body, asynq.Queue(QueueDefault)), nil
}
