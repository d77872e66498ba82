// Package state provides file-based persistence for the user's consent
// state.
//
// The consent file is a small JSON document that may be shared with other
// per-user preferences. Keys this package does not own are preserved on
// every write. Writes are atomic (write-tmp-then-rename), locked across
// processes, and backed up.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Keys owned by the consent store.
const (
	keyAutoApproval     = "auto_approval_enabled"
	keyFirstRunComplete = "first_run_complete"
	keySource           = "source"
	keyUpdatedAt        = "updated_at"
)

// ConsentDocument is the on-disk consent state.
type ConsentDocument struct {
	// AutoApprovalEnabled is nil when the document predates the field.
	AutoApprovalEnabled *bool `json:"auto_approval_enabled,omitempty"`

	// FirstRunComplete is true once the first-run choice was made.
	FirstRunComplete bool `json:"first_run_complete"`

	// Source records how the value was set: "user_choice" or "default".
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the document was last written.
	UpdatedAt time.Time `json:"updated_at,omitempty"`

	// extra holds keys owned by other tools, written back unchanged.
	extra map[string]json.RawMessage
}

// UnmarshalJSON decodes the owned keys and keeps the rest in extra.
func (d *ConsentDocument) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	decode := func(key string, dst interface{}) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
		return nil
	}

	var enabled bool
	if v, ok := raw[keyAutoApproval]; ok && string(v) != "null" {
		if err := decode(keyAutoApproval, &enabled); err != nil {
			return err
		}
		d.AutoApprovalEnabled = &enabled
	} else {
		delete(raw, keyAutoApproval)
	}
	if err := decode(keyFirstRunComplete, &d.FirstRunComplete); err != nil {
		return err
	}
	if err := decode(keySource, &d.Source); err != nil {
		return err
	}
	if err := decode(keyUpdatedAt, &d.UpdatedAt); err != nil {
		return err
	}
	d.extra = raw
	return nil
}

// MarshalJSON writes the owned keys merged over the preserved ones.
func (d ConsentDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(d.extra)+4)
	for k, v := range d.extra {
		out[k] = v
	}
	if d.AutoApprovalEnabled != nil {
		out[keyAutoApproval] = *d.AutoApprovalEnabled
	}
	out[keyFirstRunComplete] = d.FirstRunComplete
	if d.Source != "" {
		out[keySource] = d.Source
	}
	if !d.UpdatedAt.IsZero() {
		out[keyUpdatedAt] = d.UpdatedAt
	}
	return json.Marshal(out)
}
