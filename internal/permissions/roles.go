package permissions

import "github.com/Skotchmaster/rbe_session/internal/domain"

// ActionSet is the set of actions granted on one resource.
type ActionSet map[domain.Action]bool

func (s ActionSet) Has(a domain.Action) bool { return s[a] }

// RolePermissions maps resources to the actions a role receives by default.
type RolePermissions map[domain.Resource]ActionSet

func (rp RolePermissions) Has(r domain.Resource, a domain.Action) bool {
	return rp[r].Has(a)
}

func all() ActionSet {
	return ActionSet{domain.ActionRead: true, domain.ActionCreate: true, domain.ActionEdit: true, domain.ActionDelete: true}
}

func read() ActionSet { return ActionSet{domain.ActionRead: true} }

func readEdit() ActionSet { return ActionSet{domain.ActionRead: true, domain.ActionEdit: true} }

func readCreateEdit() ActionSet {
	return ActionSet{domain.ActionRead: true, domain.ActionCreate: true, domain.ActionEdit: true}
}

func everything() RolePermissions {
	rp := RolePermissions{}
	for _, r := range domain.Resources {
		rp[r] = all()
	}
	return rp
}

// DefaultRolePermissions is the static role layer. Roles absent from the map,
// GUEST included, get nothing.
var DefaultRolePermissions = map[domain.Role]RolePermissions{
	domain.RoleAdmin:         everything(),
	domain.RolePresident:     everything(),
	domain.RoleVicePresident: everything(),
	domain.RoleTreasurer: {
		domain.ResourceFinance:  all(),
		domain.ResourceMembers:  read(),
		domain.ResourceVehicles: read(),
		domain.ResourceEvents:   read(),
		domain.ResourcePlanning: read(),
	},
	domain.RoleSecretaryGeneral: {
		domain.ResourceMembers:        all(),
		domain.ResourceEvents:         all(),
		domain.ResourceNewsletter:     all(),
		domain.ResourceVehicles:       read(),
		domain.ResourceFinance:        read(),
		domain.ResourceStock:          read(),
		domain.ResourcePlanning:       read(),
		domain.ResourceSiteManagement: read(),
	},
	domain.RoleManager: {
		domain.ResourceVehicles:       readCreateEdit(),
		domain.ResourceEvents:         readCreateEdit(),
		domain.ResourceStock:          readCreateEdit(),
		domain.ResourcePlanning:       readCreateEdit(),
		domain.ResourceMembers:        read(),
		domain.ResourceSiteManagement: read(),
	},
	domain.RoleOperator: {
		domain.ResourceVehicles: readEdit(),
		domain.ResourceStock:    readEdit(),
		domain.ResourceEvents:   read(),
		domain.ResourcePlanning: read(),
	},
	domain.RoleVolunteer: {
		domain.ResourceEvents:   read(),
		domain.ResourcePlanning: read(),
		domain.ResourceVehicles: read(),
	},
	domain.RoleDriver: {
		domain.ResourceVehicles: read(),
		domain.ResourcePlanning: read(),
		domain.ResourceEvents:   read(),
	},
	domain.RoleMember: {
		domain.ResourceEvents:   read(),
		domain.ResourcePlanning: read(),
	},
	domain.RoleServiceProvider: {
		domain.ResourcePlanning: read(),
	},
}

// RoleAllows consults only the role layer.
func RoleAllows(role domain.Role, r domain.Resource, a domain.Action) bool {
	rp, ok := DefaultRolePermissions[domain.NormalizeRole(string(role))]
	if !ok {
		return false
	}
	return rp.Has(r, a)
}
