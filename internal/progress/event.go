package progress

import (
	"encoding/json"
	"fmt"
)

// Event serializes one streaming payload with a type discriminator. The
// discriminator always wins over a colliding key in fields.
func Event(typ string, fields map[string]any) string {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = typ

	data, err := json.Marshal(payload)
	if err != nil {
		// Fields are plain scalars and slices in practice; fall back to a
		// minimal envelope rather than dropping the event.
		return fmt.Sprintf(`{"type":%q,"marshal_error":%q}`, typ, err.Error())
	}
	return string(data)
}
