package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// registry owns the in-memory runtime state of every tenant seen by a tick.
// Entries are created lazily and never evicted except by Forget.
type registry struct {
	mu sync.Mutex
	m  map[string]*tenantState
}

type tenantState struct {
	status   Status
	dayKey   string
	slots    slotSet
	nextGen  time.Time
	lastTick time.Time
}

func newRegistry() *registry {
	return &registry{m: map[string]*tenantState{}}
}

// update runs fn on the state of shop, creating it if needed.
func (r *registry) update(shop string, fn func(st *tenantState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.m[shop]
	if st == nil {
		st = &tenantState{status: StatusReady, slots: slotSet{}}
		r.m[shop] = st
	}
	fn(st)
}

func (r *registry) setStatus(shop string, s Status) {
	r.update(shop, func(st *tenantState) { st.status = s })
}

// rollDay resets the slot set when dayKey differs from the last one seen.
func (r *registry) rollDay(shop, dayKey string) (rolled bool) {
	r.update(shop, func(st *tenantState) {
		if st.dayKey != dayKey {
			st.dayKey = dayKey
			st.slots = slotSet{}
			rolled = true
		}
	})
	return rolled
}

// claim marks key handled and reports whether it was free.
func (r *registry) claim(shop, key string) (ok bool) {
	r.update(shop, func(st *tenantState) { ok = st.slots.claim(key) })
	return ok
}

func (r *registry) status(shop string) (TenantStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.m[shop]
	if st == nil {
		return TenantStatus{Shop: shop, Status: StatusReady}, false
	}
	return st.view(shop), true
}

func (r *registry) all() []TenantStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TenantStatus, 0, len(r.m))
	for shop, st := range r.m {
		out = append(out, st.view(shop))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shop < out[j].Shop })
	return out
}

func (r *registry) forget(shop string) {
	r.mu.Lock()
	delete(r.m, shop)
	r.mu.Unlock()
}

func (st *tenantState) view(shop string) TenantStatus {
	return TenantStatus{Shop: shop, Status: st.status, DayKey: st.dayKey, Slots: len(st.slots), LastTick: st.lastTick}
}

// slotSet records the (day, time, profile) slots already acted upon.
type slotSet map[string]struct{}

func (s slotSet) claim(key string) bool {
	if _, done := s[key]; done {
		return false
	}
	s[key] = struct{}{}
	return true
}

// slotKey identifies one profile of one shop firing at one minute of one
// day. It doubles as the publish idempotency key, so it must differ between
// shops.
func slotKey(shop, dayKey, timeHHMM string, profile int) string {
	return fmt.Sprintf("%s|%s|%s|p%d", shop, dayKey, timeHHMM, profile)
}
