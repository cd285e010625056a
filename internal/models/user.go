package models

import (
	"encoding/json"
	"fmt"
	"maps"
)

// UserProfile is the profile snapshot returned by the auth server.
// Fields the client does not model are kept in Extra so a cached profile
// round-trips without loss.
type UserProfile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Status string `json:"status"`

	Extra map[string]any `json:"-"`
}

var knownProfileFields = []string{"id", "_id", "name", "email", "role", "status"}

// UnmarshalJSON decodes the known fields and collects the remainder in Extra.
// Mongo style "_id" is accepted when "id" is absent.
func (u *UserProfile) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("user profile must be a JSON object")
	}

	var out UserProfile
	for _, f := range []struct {
		key string
		dst *string
	}{
		{"id", &out.ID},
		{"name", &out.Name},
		{"email", &out.Email},
		{"role", &out.Role},
		{"status", &out.Status},
	} {
		if v, ok := raw[f.key]; ok {
			if err := decodeLoose(v, f.dst); err != nil {
				return fmt.Errorf("failed to decode %s: %w", f.key, err)
			}
		}
	}
	if out.ID == "" {
		if v, ok := raw["_id"]; ok {
			if err := decodeLoose(v, &out.ID); err != nil {
				return fmt.Errorf("failed to decode _id: %w", err)
			}
		}
	}

	for _, k := range knownProfileFields {
		delete(raw, k)
	}
	if len(raw) > 0 {
		out.Extra = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("failed to decode %s: %w", k, err)
			}
			out.Extra[k] = val
		}
	}

	*u = out
	return nil
}

// MarshalJSON emits the known fields followed by Extra. Known fields win on
// key collisions.
func (u UserProfile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Extra)+5)
	maps.Copy(out, u.Extra)
	out["id"] = u.ID
	out["name"] = u.Name
	out["email"] = u.Email
	out["role"] = u.Role
	out["status"] = u.Status
	return json.Marshal(out)
}

// Clone returns a deep enough copy for storage: Extra is copied one level.
func (u *UserProfile) Clone() *UserProfile {
	if u == nil {
		return nil
	}
	clone := *u
	if u.Extra != nil {
		clone.Extra = maps.Clone(u.Extra)
	}
	return &clone
}

// decodeLoose accepts a JSON string or number for string fields, numeric ids
// are common in the storefront backend.
func decodeLoose(raw json.RawMessage, dst *string) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*dst = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		*dst = n.String()
		return nil
	}
	if string(raw) == "null" {
		*dst = ""
		return nil
	}
	return fmt.Errorf("expected string, got %s", string(raw))
}
