package chain

import (
	"fmt"

	"rcm-audit/internal/audit"
)

// VerifyResult reports the outcome of an explicit auditor verification pass.
type VerifyResult struct {
	Checked  int    `json:"checked"`
	Valid    bool   `json:"valid"`
	BrokenAt string `json:"brokenAt,omitempty"` // auditId of the first bad link
	Reason   string `json:"reason,omitempty"`
}

// Verify walks events in insertion order, recomputing every digest and
// checking that each previousHash equals its predecessor's hash. The slice
// must start at the beginning of the chain: the first event is expected to
// link to the genesis sentinel.
func Verify(events []audit.Event) VerifyResult {
	result := VerifyResult{Valid: true}
	prev := Genesis

	for _, ev := range events {
		if ev.Integrity.PreviousHash != prev {
			return VerifyResult{
				Checked:  result.Checked,
				BrokenAt: ev.AuditID,
				Reason:   fmt.Sprintf("previousHash mismatch: have %s, want %s", ev.Integrity.PreviousHash, prev),
			}
		}
		recomputed, err := ComputeHash(ev, prev)
		if err != nil {
			return VerifyResult{
				Checked:  result.Checked,
				BrokenAt: ev.AuditID,
				Reason:   fmt.Sprintf("recompute hash: %v", err),
			}
		}
		if recomputed != ev.Integrity.Hash {
			return VerifyResult{
				Checked:  result.Checked,
				BrokenAt: ev.AuditID,
				Reason:   "stored hash does not match recomputed digest",
			}
		}
		prev = ev.Integrity.Hash
		result.Checked++
	}
	return result
}
