package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type Role string

const (
	RoleAdmin            Role = "ADMIN"
	RolePresident        Role = "PRESIDENT"
	RoleVicePresident    Role = "VICE_PRESIDENT"
	RoleTreasurer        Role = "TRESORIER"
	RoleSecretaryGeneral Role = "SECRETAIRE_GENERAL"
	RoleManager          Role = "MANAGER"
	RoleOperator         Role = "OPERATOR"
	RoleMember           Role = "MEMBER"
	RoleVolunteer        Role = "VOLUNTEER"
	RoleDriver           Role = "DRIVER"
	RoleServiceProvider  Role = "PRESTATAIRE"
	RoleGuest            Role = "GUEST"
)

// AdminRoles are the roles treated as administrators by the dashboard.
var AdminRoles = []Role{RoleAdmin, RolePresident, RoleVicePresident, RoleTreasurer, RoleSecretaryGeneral}

var roleAliases = map[string]Role{
	"ADMINISTRATEUR":    RoleAdmin,
	"TREASURER":         RoleTreasurer,
	"SECRETAIRE":        RoleSecretaryGeneral,
	"SECRETARY_GENERAL": RoleSecretaryGeneral,
	"BENEVOLE":          RoleVolunteer,
	"CHAUFFEUR":         RoleDriver,
	"ADHERENT":          RoleMember,
	"SERVICE_PROVIDER":  RoleServiceProvider,
	"VICEPRESIDENT":     RoleVicePresident,
}

// foldAccents builds a fresh chain per call; transformers carry state.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeRole canonicalizes free-form role strings: accents are folded, case is
// upper, separators become underscores and known aliases are resolved.
func NormalizeRole(raw string) Role {
	s := strings.ToUpper(foldAccents(strings.TrimSpace(raw)))
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '.' {
			return '_'
		}
		return r
	}, s)
	if alias, ok := roleAliases[s]; ok {
		return alias
	}
	return Role(s)
}

// NormalizeRoles keeps order, drops empties and duplicates.
func NormalizeRoles(in []Role) []Role {
	out := make([]Role, 0, len(in))
	seen := make(map[Role]struct{}, len(in))
	for _, r := range in {
		n := NormalizeRole(string(r))
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func IsAdminRole(r Role) bool {
	for _, a := range AdminRoles {
		if a == r {
			return true
		}
	}
	return false
}
