package cron

import (
	"encoding/json"
	"fmt"
	"strings"
)

// applyJobPatch merges a normalized patch record into a job and returns the
// patched job. Scalar fields are replaced when present; the schedule and
// delivery records replace wholesale; the payload merges field-by-field
// unless the patch switches the payload kind, which replaces it.
//
// Legacy delivery hints carried on an agentTurn payload patch are treated as
// a delivery update: deliver=false requests mode none, any other hint (a
// target, a best-effort flag) requests announce. Switching the job to the
// main session clears delivery entirely.
func applyJobPatch(job *Job, patch map[string]any) (*Job, error) {
	rec, err := jobToRecord(job)
	if err != nil {
		return nil, err
	}

	for _, field := range []string{"name", "enabled", "deleteAfterRun", "sessionTarget", "wakeMode"} {
		if v, present := patch[field]; present {
			rec[field] = v
		}
	}
	if v, present := patch["agentId"]; present {
		if v == nil {
			delete(rec, "agentId")
		} else {
			rec["agentId"] = v
		}
	}
	if schedule, ok := asRecord(patch["schedule"]); ok {
		rec["schedule"] = schedule
	}
	if delivery, ok := asRecord(patch["delivery"]); ok {
		rec["delivery"] = delivery
	}

	var patchPayload map[string]any
	if p, ok := asRecord(patch["payload"]); ok {
		patchPayload = p
		existing, hasExisting := asRecord(rec["payload"])
		patchKind, _ := p["kind"].(string)
		existingKind := ""
		if hasExisting {
			existingKind, _ = existing["kind"].(string)
		}
		if !hasExisting || (patchKind != "" && patchKind != existingKind) {
			rec["payload"] = p
		} else {
			for k, v := range p {
				existing[k] = v
			}
		}
	}

	payload, _ := asRecord(rec["payload"])
	payloadKind, _ := payload["kind"].(string)

	if patchPayload != nil && payloadKind == string(PayloadKindAgentTurn) &&
		hasLegacyDeliveryHints(patchPayload) {
		rec["delivery"] = mergeDeliveryFromHints(patchPayload, rec["delivery"])
	}

	sessionTarget, _ := rec["sessionTarget"].(string)
	if sessionTarget == string(SessionTargetMain) || payloadKind != string(PayloadKindAgentTurn) {
		delete(rec, "delivery")
	}

	return decodeJobRecord(rec)
}

// mergeDeliveryFromHints builds the updated delivery record from a payload
// patch's legacy hints, falling back to the previous delivery for fields the
// hints do not set. The mode is always recomputed from the hints.
func mergeDeliveryFromHints(hints map[string]any, previous any) map[string]any {
	prev, _ := asRecord(previous)
	mode := string(DeliveryModeAnnounce)
	if b, ok := hints["deliver"].(bool); ok && !b {
		mode = string(DeliveryModeNone)
	}
	next := map[string]any{"mode": mode}

	if s, ok := hints["channel"].(string); ok && strings.TrimSpace(s) != "" {
		next["channel"] = strings.ToLower(strings.TrimSpace(s))
	} else if v, ok := prev["channel"]; ok {
		next["channel"] = v
	}
	if s, ok := hints["to"].(string); ok && strings.TrimSpace(s) != "" {
		next["to"] = strings.TrimSpace(s)
	} else if v, ok := prev["to"]; ok {
		next["to"] = v
	}
	if b, ok := hints["bestEffortDeliver"].(bool); ok {
		next["bestEffort"] = b
	} else if v, ok := prev["bestEffort"]; ok {
		next["bestEffort"] = v
	}
	return next
}

func jobToRecord(job *Job) (map[string]any, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return rec, nil
}
