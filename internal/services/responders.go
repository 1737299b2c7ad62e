package services

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/communitywatch/incident-server/internal/models"
	"github.com/communitywatch/incident-server/internal/store"
)

// ResponderLookup picks a responder for an assignee type and area
type ResponderLookup struct {
	mu       sync.Mutex
	rng      *rand.Rand
	fallback models.Responder
}

// NewResponderLookup creates a lookup that breaks ties with rng and falls
// back to fallback when no responder of the requested type exists
func NewResponderLookup(rng *rand.Rand, fallback models.Responder) *ResponderLookup {
	if fallback.Type == "" {
		fallback.Type = models.AssigneeCommunityFocal
	}
	return &ResponderLookup{rng: rng, fallback: fallback}
}

// Resolve prefers responders matching both state and LGA, then state only,
// then responders without any area affinity. Ties are broken uniformly at
// random.
func (l *ResponderLookup) Resolve(ctx context.Context, st store.Store, typ models.AssigneeType, state, lga string) (models.Responder, error) {
	candidates, err := st.Responders().ListActive(ctx, typ)
	if err != nil {
		return models.Responder{}, fmt.Errorf("list responders: %w", err)
	}

	var both, stateOnly, unaffiliated []models.Responder
	for _, r := range candidates {
		switch {
		case state != "" && r.State == state && lga != "" && r.LGA == lga:
			both = append(both, r)
		case state != "" && r.State == state:
			stateOnly = append(stateOnly, r)
		case r.State == "" && r.LGA == "":
			unaffiliated = append(unaffiliated, r)
		}
	}

	for _, tier := range [][]models.Responder{both, stateOnly, unaffiliated} {
		if len(tier) > 0 {
			return l.pick(tier), nil
		}
	}
	return l.fallback, nil
}

// Fallback returns the hardcoded contact used when nobody matches
func (l *ResponderLookup) Fallback() models.Responder { return l.fallback }

func (l *ResponderLookup) pick(tier []models.Responder) models.Responder {
	if len(tier) == 1 {
		return tier[0]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return tier[l.rng.Intn(len(tier))]
}
