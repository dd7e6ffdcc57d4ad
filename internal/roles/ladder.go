package roles

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Threshold is one rung of the role ladder. Requirements must be
// monotonically increasing with rank.
type Threshold struct {
	Role                     string `json:"role"`
	MinActiveDirectReferrals int    `json:"min_active_direct_referrals"`
	MinActiveTeamSize        int64  `json:"min_active_team_size"`
}

type laddersFile struct {
	Roles []Threshold `json:"roles"`
}

// Ladder holds the ordered role-threshold table, lowest rank first.
// It is supplied as configuration and hot-reloadable, so access goes
// through a read lock.
type Ladder struct {
	mu    sync.RWMutex
	rungs []Threshold
	ranks map[string]int
}

// DefaultThresholds is the compiled-in ladder used when no roles file is
// supplied. Only the first promotion tier (10 active directs) is settled
// product policy; admins override the rest via the roles file.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{Role: "member", MinActiveDirectReferrals: 0, MinActiveTeamSize: 0},
		{Role: "advocate", MinActiveDirectReferrals: 10, MinActiveTeamSize: 0},
		{Role: "organizer", MinActiveDirectReferrals: 25, MinActiveTeamSize: 100},
		{Role: "coordinator", MinActiveDirectReferrals: 50, MinActiveTeamSize: 500},
		{Role: "director", MinActiveDirectReferrals: 100, MinActiveTeamSize: 2500},
	}
}

func New(rungs []Threshold) (*Ladder, error) {
	if len(rungs) == 0 {
		return nil, errors.New("role ladder must have at least one rung")
	}
	ranks := make(map[string]int, len(rungs))
	for i, r := range rungs {
		if r.Role == "" {
			return nil, fmt.Errorf("rung %d has empty role name", i)
		}
		if _, dup := ranks[r.Role]; dup {
			return nil, fmt.Errorf("duplicate role %q in ladder", r.Role)
		}
		if i > 0 {
			prev := rungs[i-1]
			if r.MinActiveDirectReferrals < prev.MinActiveDirectReferrals ||
				r.MinActiveTeamSize < prev.MinActiveTeamSize {
				return nil, fmt.Errorf("role %q thresholds are not monotonically increasing", r.Role)
			}
		}
		ranks[r.Role] = i
	}
	return &Ladder{rungs: rungs, ranks: ranks}, nil
}

// LoadFromFile reads the ladder from a JSON config file. A missing file
// falls back to the default ladder.
func LoadFromFile(path string) (*Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(DefaultThresholds())
		}
		return nil, fmt.Errorf("failed to read roles config: %w", err)
	}

	var file laddersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse roles config: %w", err)
	}
	return New(file.Roles)
}

// Reload replaces the ladder contents from the config file in place.
func (l *Ladder) Reload(path string) error {
	fresh, err := LoadFromFile(path)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rungs = fresh.rungs
	l.ranks = fresh.ranks
	return nil
}

// BaseRole is the lowest rung, assigned to every new user.
func (l *Ladder) BaseRole() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rungs[0].Role
}

// Rank returns the position of a role in the ladder, or -1 if unknown.
// Unknown roles rank below everything so a stale stored role can still be
// promoted past.
func (l *Ladder) Rank(role string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i, ok := l.ranks[role]; ok {
		return i
	}
	return -1
}

// RoleFor scans from the highest rung downward and returns the first role
// whose thresholds the given stats satisfy.
func (l *Ladder) RoleFor(activeDirect int, activeTeam int64) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.rungs) - 1; i >= 0; i-- {
		r := l.rungs[i]
		if activeDirect >= r.MinActiveDirectReferrals && activeTeam >= r.MinActiveTeamSize {
			return r.Role
		}
	}
	return l.rungs[0].Role
}

// All returns a copy of the ladder, lowest rank first.
func (l *Ladder) All() []Threshold {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Threshold, len(l.rungs))
	copy(out, l.rungs)
	return out
}
