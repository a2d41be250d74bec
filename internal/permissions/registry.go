package permissions

import (
	"sort"
	"sync"
	"time"

	"github.com/Skotchmaster/rbe_session/internal/domain"
)

// Registry holds individual permission rows per user. A grant for a resource
// replaces any row already held for that resource, so there is at most one
// row per (user, resource) that permission checks see. Expired rows that a
// reload could not keep in that slot are parked in shadowed, listed but
// never looked up.
type Registry struct {
	mu       sync.RWMutex
	rows     map[domain.ID]map[domain.Resource]domain.Permission
	shadowed map[domain.ID][]domain.Permission
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		rows:     make(map[domain.ID]map[domain.Resource]domain.Permission),
		shadowed: make(map[domain.ID][]domain.Permission),
		now:      time.Now,
	}
}

func (r *Registry) Grant(p domain.Permission) {
	p.Actions = domain.DedupActions(p.Actions)

	r.mu.Lock()
	defer r.mu.Unlock()
	byRes, ok := r.rows[p.UserID]
	if !ok {
		byRes = make(map[domain.Resource]domain.Permission)
		r.rows[p.UserID] = byRes
	}
	byRes[p.Resource] = p
}

// Replace swaps the whole row set for user, as after a server reload. When
// several rows share a resource a live row always holds the slot; among rows
// of the same liveness the later one wins. Expired rows that lose the slot
// stay listed.
func (r *Registry) Replace(user domain.ID, rows []domain.Permission) {
	now := r.now()
	byRes := make(map[domain.Resource]domain.Permission, len(rows))
	var shadowed []domain.Permission
	for _, p := range rows {
		p.UserID = user
		p.Actions = domain.DedupActions(p.Actions)
		cur, taken := byRes[p.Resource]
		switch {
		case !taken:
			byRes[p.Resource] = p
		case p.Expired(now) && !cur.Expired(now):
			shadowed = append(shadowed, p)
		default:
			if cur.Expired(now) {
				shadowed = append(shadowed, cur)
			}
			byRes[p.Resource] = p
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.shadowed, user)
	if len(shadowed) > 0 {
		r.shadowed[user] = shadowed
	}
	if len(byRes) == 0 {
		delete(r.rows, user)
		return
	}
	r.rows[user] = byRes
}

// Revoke removes the row with the given id and reports whether one existed.
func (r *Registry) Revoke(user, permID domain.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for res, p := range r.rows[user] {
		if p.ID == permID {
			delete(r.rows[user], res)
			found = true
		}
	}
	kept := r.shadowed[user][:0]
	for _, p := range r.shadowed[user] {
		if p.ID == permID {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		delete(r.shadowed, user)
	} else {
		r.shadowed[user] = kept
	}
	return found
}

func (r *Registry) RevokeResource(user domain.ID, res domain.Resource) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[user][res]; !ok {
		return false
	}
	delete(r.rows[user], res)
	return true
}

func (r *Registry) Lookup(user domain.ID, res domain.Resource) (domain.Permission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.rows[user][res]
	return p, ok
}

// List returns user's rows sorted by resource, expired ones included. A live
// row comes before an expired row of the same resource.
func (r *Registry) List(user domain.ID) []domain.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Permission, 0, len(r.rows[user])+len(r.shadowed[user]))
	for _, p := range r.rows[user] {
		out = append(out, p)
	}
	out = append(out, r.shadowed[user]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// All returns every row held, ordered by user then resource.
func (r *Registry) All() []domain.Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Permission
	for _, byRes := range r.rows {
		for _, p := range byRes {
			out = append(out, p)
		}
	}
	for _, rows := range r.shadowed {
		out = append(out, rows...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Resource < out[j].Resource
	})
	return out
}

func (r *Registry) Clear(user domain.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, user)
	delete(r.shadowed, user)
}

func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = make(map[domain.ID]map[domain.Resource]domain.Permission)
	r.shadowed = make(map[domain.ID][]domain.Permission)
}

// Partition splits rows into live and expired at now, keeping order.
func Partition(rows []domain.Permission, now time.Time) (active, expired []domain.Permission) {
	for _, p := range rows {
		if p.Expired(now) {
			expired = append(expired, p)
		} else {
			active = append(active, p)
		}
	}
	return active, expired
}
