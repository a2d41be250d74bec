package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// ID is a server identifier that may arrive as a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

func IDFromInt(n int64) ID { return ID(strconv.FormatInt(n, 10)) }

type User struct {
	ID        ID     `json:"id,omitempty"`
	Username  string `json:"username"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Roles     []Role `json:"roles"`
}

// UnmarshalJSON also accepts the legacy single "role" field and the French
// "prenom"/"nom" name fields some endpoints still send.
func (u *User) UnmarshalJSON(b []byte) error {
	type plain User
	var aux struct {
		plain
		Role   string `json:"role"`
		Prenom string `json:"prenom"`
		Nom    string `json:"nom"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*u = User(aux.plain)
	if len(u.Roles) == 0 && aux.Role != "" {
		u.Roles = []Role{Role(aux.Role)}
	}
	if u.FirstName == "" {
		u.FirstName = aux.Prenom
	}
	if u.LastName == "" {
		u.LastName = aux.Nom
	}
	return nil
}

// PrimaryRole is the first role, MEMBER when none is recorded.
func (u User) PrimaryRole() Role {
	if len(u.Roles) == 0 {
		return RoleMember
	}
	return u.Roles[0]
}

// PrimaryRoleOf treats a nil user as a guest.
func PrimaryRoleOf(u *User) Role {
	if u == nil {
		return RoleGuest
	}
	return u.PrimaryRole()
}

// Normalized returns a copy with canonical roles. The receiver is never modified.
func (u User) Normalized() User {
	out := u
	out.Roles = NormalizeRoles(u.Roles)
	return out
}

func (u User) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Member is the self profile served by /api/members/me.
type Member struct {
	ID               ID         `json:"id,omitempty"`
	MemberNumber     string     `json:"matricule,omitempty"`
	FirstName        string     `json:"firstName,omitempty"`
	LastName         string     `json:"lastName,omitempty"`
	Email            string     `json:"email,omitempty"`
	Status           string     `json:"status,omitempty"`
	MembershipExpiry *time.Time `json:"membershipExpiresAt,omitempty"`
}
