package cron

import (
	"strings"
)

// migrateLegacyPayload rewrites retired payload fields in place. Older
// configs used "provider" for the delivery channel.
func migrateLegacyPayload(payload map[string]any) {
	if s, ok := payload["provider"].(string); ok {
		if trimmed := strings.ToLower(strings.TrimSpace(s)); trimmed != "" {
			if _, hasChannel := payload["channel"].(string); !hasChannel {
				payload["channel"] = trimmed
			}
		}
		delete(payload, "provider")
	}
}

// migrateStoredJob upgrades one persisted job record to the current schema.
// The full creation-time normalization runs so that legacy stores (top-level
// agentTurn overrides, the old delivery quadruple, missing defaults) load
// into the canonical shape. Records that cannot be migrated are dropped by
// the caller.
func migrateStoredJob(raw map[string]any) (*Job, error) {
	rec, ok := NormalizeJobInput(raw, true)
	if !ok {
		return nil, errNotARecord
	}
	return decodeJobRecord(rec)
}
