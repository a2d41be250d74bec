package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Resource string

const (
	ResourceVehicles       Resource = "VEHICLES"
	ResourceEvents         Resource = "EVENTS"
	ResourceFinance        Resource = "FINANCE"
	ResourceMembers        Resource = "MEMBERS"
	ResourceStock          Resource = "STOCK"
	ResourceSiteManagement Resource = "SITE_MANAGEMENT"
	ResourceNewsletter     Resource = "NEWSLETTER"
	ResourcePlanning       Resource = "PLANNING"
)

var Resources = []Resource{
	ResourceVehicles, ResourceEvents, ResourceFinance, ResourceMembers,
	ResourceStock, ResourceSiteManagement, ResourceNewsletter, ResourcePlanning,
}

// Action is kept open so a future restrictive value can be stored without a
// schema change; only the known values below are accepted from callers.
type Action string

const (
	ActionRead   Action = "READ"
	ActionCreate Action = "CREATE"
	ActionEdit   Action = "EDIT"
	ActionDelete Action = "DELETE"
)

var Actions = []Action{ActionRead, ActionCreate, ActionEdit, ActionDelete}

func ParseResource(s string) (Resource, error) {
	r := Resource(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Resources {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown resource %q", s)
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Permission is an individual override row granting actions on one resource.
type Permission struct {
	ID        ID         `json:"id,omitempty"`
	UserID    ID         `json:"userId"`
	Resource  Resource   `json:"resource"`
	Actions   []Action   `json:"actions"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// UnmarshalJSON also accepts actions stored as a JSON-encoded string, as older
// rows still carry them.
func (p *Permission) UnmarshalJSON(b []byte) error {
	type plain Permission
	var aux struct {
		plain
		Actions json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*p = Permission(aux.plain)
	p.Actions = nil

	raw := bytes.TrimSpace(aux.Actions)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return err
		}
		if encoded == "" {
			return nil
		}
		raw = []byte(encoded)
	}
	return json.Unmarshal(raw, &p.Actions)
}

// Expired is evaluated at read time; a row without expiry never expires.
func (p Permission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

func (p Permission) Allows(a Action) bool {
	for _, have := range p.Actions {
		if have == a {
			return true
		}
	}
	return false
}

// DedupActions keeps first occurrence order.
func DedupActions(in []Action) []Action {
	out := make([]Action, 0, len(in))
	seen := make(map[Action]struct{}, len(in))
	for _, a := range in {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
