package lease

import (
	"strings"
)

// Keys derives the Redis key layout for one deployment. Job IDs are wrapped in
// a hash tag so every key of a job lands in the same cluster slot, which the
// multi-key scripts require.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "lease"
	}
	return Keys{prefix: prefix}
}

// Liveness is K_L, the short-TTL heartbeat marker.
func (k Keys) Liveness(jobID string) string { return k.key("live", jobID) }

// Evidence is K_S, the long-TTL forensic record.
func (k Keys) Evidence(jobID string) string { return k.key("evidence", jobID) }

// Epoch holds the per-job fencing counter. It never expires.
func (k Keys) Epoch(jobID string) string { return k.key("epoch", jobID) }

// Crashes holds the per-job crash counter and quarantine flag.
func (k Keys) Crashes(jobID string) string { return k.key("crashes", jobID) }

// EvidencePattern matches every evidence key for SCAN.
func (k Keys) EvidencePattern() string { return k.prefix + ":evidence:*" }

// JobFromEvidence extracts the job ID from an evidence key.
func (k Keys) JobFromEvidence(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, k.prefix+":evidence:{")
	if !ok || !strings.HasSuffix(rest, "}") {
		return "", false
	}
	return strings.TrimSuffix(rest, "}"), true
}

func (k Keys) key(kind, jobID string) string {
	return k.prefix + ":" + kind + ":{" + jobID + "}"
}
