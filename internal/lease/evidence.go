package lease

import (
	"fmt"
	"strconv"
	"time"

	"job-lease-guard/internal/models"
)

// holderToken is the value stored in the liveness key. Binding the epoch into
// it lets a single compare check holder and epoch together.
func holderToken(workerID string, epoch uint64) string {
	return workerID + ":" + strconv.FormatUint(epoch, 10)
}

// ParseEvidence decodes the evidence hash fields written by the acquire script.
func ParseEvidence(fields map[string]string) (models.Evidence, error) {
	epoch, err := strconv.ParseUint(fields["epoch"], 10, 64)
	if err != nil {
		return models.Evidence{}, fmt.Errorf("evidence epoch %q: %w", fields["epoch"], err)
	}
	startedMs, err := strconv.ParseInt(fields["started_at"], 10, 64)
	if err != nil {
		return models.Evidence{}, fmt.Errorf("evidence started_at %q: %w", fields["started_at"], err)
	}
	return models.Evidence{
		JobID:     fields["job_id"],
		WorkerID:  fields["worker_id"],
		Epoch:     epoch,
		StartedAt: time.UnixMilli(startedMs).UTC(),
		Host:      fields["host"],
	}, nil
}

// EvidenceFromArray decodes the flat field/value array Lua returns for HGETALL.
func EvidenceFromArray(raw []interface{}) (models.Evidence, error) {
	fields := make(map[string]string, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		k, _ := raw[i].(string)
		v, _ := raw[i+1].(string)
		fields[k] = v
	}
	return ParseEvidence(fields)
}
