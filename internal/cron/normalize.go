package cron

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
)

var agentIDSanitizePattern = regexp.MustCompile(`[^a-z0-9_-]+`)

// sanitizeAgentID canonicalizes a caller-supplied agent identifier.
func sanitizeAgentID(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	return strings.Trim(agentIDSanitizePattern.ReplaceAllString(lowered, "-"), "-")
}

func asRecord(v any) (map[string]any, bool) {
	rec, ok := v.(map[string]any)
	return rec, ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// NormalizeJobInput coerces arbitrary or legacy job input into the canonical
// record shape. It returns false only when raw is not a structured record at
// all. With applyDefaults set (job creation), missing fields are filled with
// their canonical defaults; without it (partial patches), absent fields stay
// absent.
func NormalizeJobInput(raw any, applyDefaults bool) (map[string]any, bool) {
	rec, ok := asRecord(raw)
	if !ok {
		return nil, false
	}
	base := unwrapJob(rec)
	next := make(map[string]any, len(base))
	for k, v := range base {
		next[k] = v
	}

	coerceAgentID(next, base)
	coerceEnabled(next, base)
	coerceEnumField(next, base, "sessionTarget", string(SessionTargetMain), string(SessionTargetIsolated))
	coerceEnumField(next, base, "wakeMode", string(WakeModeNow), string(WakeModeNextHeartbeat))

	if schedule, ok := asRecord(base["schedule"]); ok {
		next["schedule"] = coerceSchedule(schedule)
	}

	if _, ok := asRecord(next["payload"]); !ok {
		inferPayloadFromShorthand(next)
	}
	if payload, ok := asRecord(base["payload"]); ok {
		next["payload"] = coercePayload(payload)
	}

	if delivery, ok := asRecord(base["delivery"]); ok {
		next["delivery"] = coerceDelivery(delivery)
	}

	delete(next, "isolation")

	if payload, ok := asRecord(next["payload"]); ok && payload["kind"] == string(PayloadKindAgentTurn) {
		copyTopLevelAgentTurnFields(next, payload)
		copyTopLevelLegacyDeliveryFields(next, payload)
	}
	stripLegacyTopLevelFields(next)

	if applyDefaults {
		fillCreateDefaults(next)
	}

	return next, true
}

// unwrapJob picks the source-of-truth record: a nested data record wins, then
// a nested job record, then the envelope itself.
func unwrapJob(raw map[string]any) map[string]any {
	if data, ok := asRecord(raw["data"]); ok {
		return data
	}
	if job, ok := asRecord(raw["job"]); ok {
		return job
	}
	return raw
}

func coerceAgentID(next, base map[string]any) {
	raw, present := base["agentId"]
	if !present {
		return
	}
	if raw == nil {
		next["agentId"] = nil
		return
	}
	if s, ok := raw.(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			next["agentId"] = sanitizeAgentID(trimmed)
			return
		}
	}
	delete(next, "agentId")
}

func coerceEnabled(next, base map[string]any) {
	raw, present := base["enabled"]
	if !present {
		return
	}
	switch v := raw.(type) {
	case bool:
		next["enabled"] = v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true":
			next["enabled"] = true
		case "false":
			next["enabled"] = false
		}
	}
}

func coerceEnumField(next, base map[string]any, field string, allowed ...string) {
	raw, present := base[field]
	if !present {
		return
	}
	if s, ok := raw.(string); ok {
		trimmed := strings.ToLower(strings.TrimSpace(s))
		for _, token := range allowed {
			if trimmed == token {
				next[field] = trimmed
				return
			}
		}
	}
	delete(next, field)
}

// coerceSchedule resolves the schedule kind (explicit token or inferred from
// field shape) and folds the millisecond-epoch alias into the canonical
// ISO-8601 UTC instant string.
func coerceSchedule(schedule map[string]any) map[string]any {
	next := make(map[string]any, len(schedule))
	for k, v := range schedule {
		next[k] = v
	}

	kind := ""
	if s, ok := schedule["kind"].(string); ok {
		trimmed := strings.ToLower(strings.TrimSpace(s))
		if trimmed == string(ScheduleKindAt) || trimmed == string(ScheduleKindEvery) || trimmed == string(ScheduleKindCron) {
			kind = trimmed
		}
	}

	atString := ""
	if s, ok := schedule["at"].(string); ok {
		atString = strings.TrimSpace(s)
	}
	var parsedAtMs *int64
	if ms, ok := asNumber(schedule["atMs"]); ok {
		parsedAtMs = int64Ptr(int64(ms))
	} else if s, ok := schedule["atMs"].(string); ok {
		if ms, ok := parseAbsoluteTimeMs(s); ok {
			parsedAtMs = int64Ptr(ms)
		}
	} else if atString != "" {
		if ms, ok := parseAbsoluteTimeMs(atString); ok {
			parsedAtMs = int64Ptr(ms)
		}
	}

	if kind != "" {
		next["kind"] = kind
	} else {
		_, hasAtMsNum := asNumber(schedule["atMs"])
		_, hasAtMsStr := schedule["atMs"].(string)
		_, hasAt := schedule["at"].(string)
		_, hasEvery := asNumber(schedule["everyMs"])
		_, hasExpr := schedule["expr"].(string)
		switch {
		case hasAtMsNum || hasAt || hasAtMsStr:
			next["kind"] = string(ScheduleKindAt)
		case hasEvery:
			next["kind"] = string(ScheduleKindEvery)
		case hasExpr:
			next["kind"] = string(ScheduleKindCron)
		}
	}

	if atString != "" {
		if parsedAtMs != nil {
			next["at"] = formatInstantMs(*parsedAtMs)
		} else {
			// Unparseable datetime strings pass through here and are
			// rejected by validation, not silently kept.
			next["at"] = atString
		}
	} else if parsedAtMs != nil {
		next["at"] = formatInstantMs(*parsedAtMs)
	}
	delete(next, "atMs")

	return next
}

// coercePayload normalizes the payload variant: legacy field migration, kind
// case-folding and inference, string trimming, and numeric clamping.
func coercePayload(payload map[string]any) map[string]any {
	next := make(map[string]any, len(payload))
	for k, v := range payload {
		next[k] = v
	}
	migrateLegacyPayload(next)

	kindRaw := ""
	if s, ok := next["kind"].(string); ok {
		kindRaw = strings.ToLower(strings.TrimSpace(s))
	}
	switch kindRaw {
	case "agentturn":
		next["kind"] = string(PayloadKindAgentTurn)
	case "systemevent":
		next["kind"] = string(PayloadKindSystemEvent)
	default:
		if kindRaw != "" {
			next["kind"] = kindRaw
		}
	}
	if next["kind"] == nil || next["kind"] == "" {
		if s, ok := next["message"].(string); ok && strings.TrimSpace(s) != "" {
			next["kind"] = string(PayloadKindAgentTurn)
		} else if s, ok := next["text"].(string); ok && strings.TrimSpace(s) != "" {
			next["kind"] = string(PayloadKindSystemEvent)
		}
	}

	trimInPlace := func(field string) {
		if s, ok := next[field].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				next[field] = trimmed
			}
		}
	}
	trimInPlace("message")
	trimInPlace("text")

	trimOrDrop := func(field string) {
		raw, present := next[field]
		if !present {
			return
		}
		if s, ok := raw.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				next[field] = trimmed
				return
			}
		}
		delete(next, field)
	}
	trimOrDrop("model")
	trimOrDrop("thinking")

	if raw, present := next["timeoutSeconds"]; present {
		if n, ok := asNumber(raw); ok && !math.IsInf(n, 0) && !math.IsNaN(n) {
			next["timeoutSeconds"] = math.Max(1, math.Floor(n))
		} else {
			delete(next, "timeoutSeconds")
		}
	}
	if raw, present := next["allowUnsafeExternalContent"]; present {
		if _, ok := raw.(bool); !ok {
			delete(next, "allowUnsafeExternalContent")
		}
	}
	return next
}

func coerceDelivery(delivery map[string]any) map[string]any {
	next := make(map[string]any, len(delivery))
	for k, v := range delivery {
		next[k] = v
	}
	if s, ok := delivery["mode"].(string); ok {
		switch mode := strings.ToLower(strings.TrimSpace(s)); mode {
		case "deliver":
			next["mode"] = string(DeliveryModeAnnounce)
		case string(DeliveryModeAnnounce), string(DeliveryModeNone):
			next["mode"] = mode
		default:
			delete(next, "mode")
		}
	} else {
		delete(next, "mode")
	}
	if s, ok := delivery["channel"].(string); ok {
		if trimmed := strings.ToLower(strings.TrimSpace(s)); trimmed != "" {
			next["channel"] = trimmed
		} else {
			delete(next, "channel")
		}
	}
	if s, ok := delivery["to"].(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			next["to"] = trimmed
		} else {
			delete(next, "to")
		}
	}
	return next
}

// inferPayloadFromShorthand builds a payload record from bare top-level
// message/text fields when no payload record was supplied.
func inferPayloadFromShorthand(next map[string]any) {
	message := ""
	if s, ok := next["message"].(string); ok {
		message = strings.TrimSpace(s)
	}
	text := ""
	if s, ok := next["text"].(string); ok {
		text = strings.TrimSpace(s)
	}
	if message != "" {
		next["payload"] = map[string]any{"kind": string(PayloadKindAgentTurn), "message": message}
	} else if text != "" {
		next["payload"] = map[string]any{"kind": string(PayloadKindSystemEvent), "text": text}
	}
}

func copyTopLevelAgentTurnFields(next, payload map[string]any) {
	copyString := func(field string) {
		if s, ok := payload[field].(string); ok && strings.TrimSpace(s) != "" {
			return
		}
		if s, ok := next[field].(string); ok && strings.TrimSpace(s) != "" {
			payload[field] = strings.TrimSpace(s)
		}
	}
	copyString("model")
	copyString("thinking")

	if _, ok := asNumber(payload["timeoutSeconds"]); !ok {
		if n, ok := asNumber(next["timeoutSeconds"]); ok {
			payload["timeoutSeconds"] = n
		}
	}
	if _, ok := payload["allowUnsafeExternalContent"].(bool); !ok {
		if b, ok := next["allowUnsafeExternalContent"].(bool); ok {
			payload["allowUnsafeExternalContent"] = b
		}
	}
}

func copyTopLevelLegacyDeliveryFields(next, payload map[string]any) {
	if _, ok := payload["deliver"].(bool); !ok {
		if b, ok := next["deliver"].(bool); ok {
			payload["deliver"] = b
		}
	}
	copyTrimmed := func(field string) {
		if _, ok := payload[field].(string); ok {
			return
		}
		if s, ok := next[field].(string); ok && strings.TrimSpace(s) != "" {
			payload[field] = strings.TrimSpace(s)
		}
	}
	copyTrimmed("channel")
	copyTrimmed("to")
	if _, ok := payload["bestEffortDeliver"].(bool); !ok {
		if b, ok := next["bestEffortDeliver"].(bool); ok {
			payload["bestEffortDeliver"] = b
		}
	}
	copyTrimmed("provider")
}

var legacyTopLevelFields = []string{
	"model", "thinking", "timeoutSeconds", "allowUnsafeExternalContent",
	"message", "text",
	"deliver", "channel", "to", "bestEffortDeliver", "provider",
}

func stripLegacyTopLevelFields(next map[string]any) {
	for _, field := range legacyTopLevelFields {
		delete(next, field)
	}
}

// fillCreateDefaults applies creation-time defaults to a coerced record.
func fillCreateDefaults(next map[string]any) {
	if next["wakeMode"] == nil || next["wakeMode"] == "" {
		next["wakeMode"] = string(WakeModeNow)
	}
	if _, ok := next["enabled"].(bool); !ok {
		next["enabled"] = true
	}

	name, _ := next["name"].(string)
	name = strings.TrimSpace(name)
	schedule, hasSchedule := asRecord(next["schedule"])
	payload, hasPayload := asRecord(next["payload"])
	if name == "" && hasSchedule && hasPayload {
		next["name"] = inferJobName(schedule, payload)
	} else if name != "" {
		next["name"] = name
	}

	if next["sessionTarget"] == nil && hasPayload {
		switch payload["kind"] {
		case string(PayloadKindSystemEvent):
			next["sessionTarget"] = string(SessionTargetMain)
		case string(PayloadKindAgentTurn):
			next["sessionTarget"] = string(SessionTargetIsolated)
		}
	}

	if hasSchedule && schedule["kind"] == string(ScheduleKindAt) {
		if _, present := next["deleteAfterRun"]; !present {
			next["deleteAfterRun"] = true
		}
	}

	payloadKind, _ := payload["kind"].(string)
	sessionTarget, _ := next["sessionTarget"].(string)
	isolatedAgentTurn := sessionTarget == string(SessionTargetIsolated) ||
		(sessionTarget == "" && payloadKind == string(PayloadKindAgentTurn))
	_, hasDelivery := next["delivery"]
	if !hasDelivery && isolatedAgentTurn && payloadKind == string(PayloadKindAgentTurn) {
		if hasPayload && hasLegacyDeliveryHints(payload) {
			next["delivery"] = buildDeliveryFromLegacyPayload(payload)
			stripLegacyDeliveryFields(payload)
		} else {
			next["delivery"] = map[string]any{"mode": string(DeliveryModeAnnounce)}
		}
	}
}

func hasLegacyDeliveryHints(payload map[string]any) bool {
	if _, ok := payload["deliver"].(bool); ok {
		return true
	}
	if _, ok := payload["bestEffortDeliver"].(bool); ok {
		return true
	}
	if s, ok := payload["to"].(string); ok && strings.TrimSpace(s) != "" {
		return true
	}
	return false
}

// buildDeliveryFromLegacyPayload derives a delivery record from the legacy
// per-payload delivery quadruple. deliver=false maps to mode none, anything
// else announces.
func buildDeliveryFromLegacyPayload(payload map[string]any) map[string]any {
	mode := string(DeliveryModeAnnounce)
	if b, ok := payload["deliver"].(bool); ok && !b {
		mode = string(DeliveryModeNone)
	}
	next := map[string]any{"mode": mode}
	if s, ok := payload["channel"].(string); ok {
		if trimmed := strings.ToLower(strings.TrimSpace(s)); trimmed != "" {
			next["channel"] = trimmed
		}
	}
	if s, ok := payload["to"].(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			next["to"] = trimmed
		}
	}
	if b, ok := payload["bestEffortDeliver"].(bool); ok {
		next["bestEffort"] = b
	}
	return next
}

func stripLegacyDeliveryFields(payload map[string]any) {
	delete(payload, "deliver")
	delete(payload, "channel")
	delete(payload, "to")
	delete(payload, "bestEffortDeliver")
}

// inferJobName synthesizes a display label from the schedule and payload.
func inferJobName(schedule, payload map[string]any) string {
	snippet := ""
	if s, ok := payload["message"].(string); ok && strings.TrimSpace(s) != "" {
		snippet = strings.TrimSpace(s)
	} else if s, ok := payload["text"].(string); ok && strings.TrimSpace(s) != "" {
		snippet = strings.TrimSpace(s)
	}
	if snippet != "" {
		const maxLen = 48
		if len(snippet) > maxLen {
			snippet = strings.TrimSpace(snippet[:maxLen])
		}
		return snippet
	}
	switch schedule["kind"] {
	case string(ScheduleKindAt):
		return "one-shot job"
	case string(ScheduleKindEvery):
		if n, ok := asNumber(schedule["everyMs"]); ok {
			return fmt.Sprintf("every %s", formatIntervalMs(int64(n)))
		}
		return "recurring job"
	case string(ScheduleKindCron):
		if expr, ok := schedule["expr"].(string); ok && strings.TrimSpace(expr) != "" {
			return "cron " + strings.TrimSpace(expr)
		}
		return "cron job"
	default:
		return "job"
	}
}

func formatIntervalMs(ms int64) string {
	switch {
	case ms >= 3_600_000 && ms%3_600_000 == 0:
		return fmt.Sprintf("%dh", ms/3_600_000)
	case ms >= 60_000 && ms%60_000 == 0:
		return fmt.Sprintf("%dm", ms/60_000)
	case ms >= 1_000 && ms%1_000 == 0:
		return fmt.Sprintf("%ds", ms/1_000)
	default:
		return fmt.Sprintf("%dms", ms)
	}
}

// decodeJobRecord converts a normalized record into the typed job shape.
func decodeJobRecord(rec map[string]any) (*Job, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode job record: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &job, nil
}
