package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"datagate/pkg/models"
)

// Fields whose values are hashed rather than stored when redaction is on.
// Query text and resource names are the sensitive parts of a stage payload;
// categories, outcomes and versions stay readable.
var redactedFields = map[string]struct{}{
	"query_text": {},
	"rationale":  {},
	"resource":   {},
	"columns":    {},
	"filters":    {},
	"rows":       {},
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		b, _ := json.Marshal(map[string]any{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	for key, value := range payload {
		if _, sensitive := redactedFields[key]; !sensitive {
			continue
		}
		payload[key+"_hash"] = hashJSON(value, salt)
		delete(payload, key)
	}
	b, _ := json.Marshal(payload)
	return b
}

func hashJSON(v any, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
