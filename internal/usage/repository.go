package usage

import (
	"context"
	"sort"
	"sync"

	"github.com/fleetwork/cacheengine/pkg/types"
)

// Repository persists behavior events and feature weights
type Repository interface {
	AppendEvent(ctx context.Context, event types.BehaviorEvent) error
	SaveWeight(ctx context.Context, weight types.FeatureWeight) error
	LoadWeights(ctx context.Context, userID string) ([]types.FeatureWeight, error)
	DeleteWeights(ctx context.Context, userID string) error
}

// MemoryRepository keeps everything in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	events  []types.BehaviorEvent
	weights map[string]map[types.Feature]types.FeatureWeight
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		weights: make(map[string]map[types.Feature]types.FeatureWeight),
	}
}

func (r *MemoryRepository) AppendEvent(_ context.Context, event types.BehaviorEvent) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) SaveWeight(_ context.Context, weight types.FeatureWeight) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byFeature, ok := r.weights[weight.UserID]
	if !ok {
		byFeature = make(map[types.Feature]types.FeatureWeight)
		r.weights[weight.UserID] = byFeature
	}
	byFeature[weight.Feature] = weight
	return nil
}

func (r *MemoryRepository) LoadWeights(_ context.Context, userID string) ([]types.FeatureWeight, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.FeatureWeight, 0, len(r.weights[userID]))
	for _, w := range r.weights[userID] {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out, nil
}

func (r *MemoryRepository) DeleteWeights(_ context.Context, userID string) error {
	r.mu.Lock()
	delete(r.weights, userID)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the events recorded for userID
func (r *MemoryRepository) Events(userID string) []types.BehaviorEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.BehaviorEvent
	for _, e := range r.events {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}
