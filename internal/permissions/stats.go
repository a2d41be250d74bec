package permissions

import "github.com/Skotchmaster/rbe_session/internal/domain"

// Stats summarizes a set of rows for the administration overview.
type Stats struct {
	Total      int                     `json:"totalPermissions"`
	Users      int                     `json:"usersWithPermissions"`
	ByResource map[domain.Resource]int `json:"resourceCounts"`
	ByAction   map[domain.Action]int   `json:"actionCounts"`
}

func Summarize(rows []domain.Permission) Stats {
	s := Stats{
		Total:      len(rows),
		ByResource: make(map[domain.Resource]int),
		ByAction:   make(map[domain.Action]int),
	}
	users := make(map[domain.ID]struct{})
	for _, p := range rows {
		users[p.UserID] = struct{}{}
		s.ByResource[p.Resource]++
		for _, a := range p.Actions {
			s.ByAction[a]++
		}
	}
	s.Users = len(users)
	return s
}
