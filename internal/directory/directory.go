// Package directory is the fixed in-memory set of local users used when no
// remote collaborator answers a login.
package directory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Skotchmaster/rbe_session/internal/domain"
	"github.com/Skotchmaster/rbe_session/internal/hash"
)

// Seed is one local account. Password may be plain text or a bcrypt hash.
type Seed struct {
	ID        string   `yaml:"id"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	FirstName string   `yaml:"firstName"`
	LastName  string   `yaml:"lastName"`
	Email     string   `yaml:"email"`
	Roles     []string `yaml:"roles"`
}

type file struct {
	Users []Seed `yaml:"users"`
}

type entry struct {
	seed         Seed
	passwordHash string
}

type Directory struct {
	users map[string]entry
}

// New hashes every plain password up front so lookups never compare clear text.
func New(seeds []Seed) (*Directory, error) {
	d := &Directory{users: make(map[string]entry, len(seeds))}
	for _, s := range seeds {
		key := strings.ToLower(strings.TrimSpace(s.Username))
		if key == "" {
			return nil, fmt.Errorf("directory: seed without username")
		}
		if _, dup := d.users[key]; dup {
			return nil, fmt.Errorf("directory: duplicate username %q", key)
		}
		h := s.Password
		if !hash.IsHashed(h) {
			var err error
			if h, err = hash.HashPassword(s.Password); err != nil {
				return nil, fmt.Errorf("directory: %s: %w", key, err)
			}
		}
		d.users[key] = entry{seed: s, passwordHash: h}
	}
	return d, nil
}

// LoadFile reads a YAML document with a top-level "users" list. An empty path
// yields an empty directory.
func LoadFile(path string) (*Directory, error) {
	if path == "" {
		return New(nil)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("directory: parse %s: %w", path, err)
	}
	return New(f.Users)
}

func (d *Directory) Len() int { return len(d.users) }

// Authenticate matches identifier case-insensitively. The returned user carries
// the lowercased username, MEMBER when no role is recorded and a default
// address when no email is recorded.
func (d *Directory) Authenticate(identifier, password string) (domain.User, bool) {
	key := strings.ToLower(strings.TrimSpace(identifier))
	e, ok := d.users[key]
	if !ok || !hash.CheckPassword(e.passwordHash, password) {
		return domain.User{}, false
	}

	roles := make([]domain.Role, 0, len(e.seed.Roles))
	for _, r := range e.seed.Roles {
		roles = append(roles, domain.Role(r))
	}
	roles = domain.NormalizeRoles(roles)
	if len(roles) == 0 {
		roles = []domain.Role{domain.RoleMember}
	}
	email := e.seed.Email
	if email == "" {
		email = key + "@retrobus.fr"
	}
	return domain.User{
		ID:        domain.ID(e.seed.ID),
		Username:  key,
		FirstName: e.seed.FirstName,
		LastName:  e.seed.LastName,
		Email:     email,
		Roles:     roles,
	}, true
}
