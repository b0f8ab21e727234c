// ABOUTME: Converts form-encoded provider callbacks into the JSON object Normalize expects
// ABOUTME: Only the first value of each repeated field is kept

package webhook

import (
	"encoding/json"
	"net/url"
)

// FormPayload renders form values as a flat JSON object.
func FormPayload(values url.Values) []byte {
	flat := make(map[string]string, len(values))
	for k := range values {
		flat[k] = values.Get(k)
	}
	// A map of strings always marshals.
	data, _ := json.Marshal(flat)
	return data
}
