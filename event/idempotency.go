package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// IdempotencyKey computes the deterministic fingerprint
// SHA-256(workflow_id ⧺ step ⧺ attempt) used to detect double-commit of the
// same logical attempt across retries and concurrent worker reports.
func IdempotencyKey(workflowID, step string, attempt int) string {
	h := sha256.New()
	h.Write([]byte(workflowID))
	h.Write([]byte(step))
	h.Write([]byte(strconv.Itoa(attempt)))
	return hex.EncodeToString(h.Sum(nil))
}
