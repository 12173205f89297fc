package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetwork/cacheengine/pkg/types"
)

// DefaultHighPriorityLimit is used when HighPriorityFeatures is given a non-positive limit
const DefaultHighPriorityLimit = 5

// Tracker records per-user feature usage and derives weights from it.
// Sessions are shared per user, so every caller for one user sees the same
// weight table.
type Tracker struct {
	repo   Repository
	policy WeightPolicy
	clock  func() time.Time
	logger *slog.Logger
	tenant func(userID string) string
	limit  int

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Tracker
type Option func(*Tracker)

func WithPolicy(p WeightPolicy) Option {
	return func(t *Tracker) { t.policy = p }
}

func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTenantResolver supplies the tenant for sessions opened without one
func WithTenantResolver(resolve func(userID string) string) Option {
	return func(t *Tracker) { t.tenant = resolve }
}

// WithHighPriorityLimit changes the limit HighPriorityFeatures uses when given
// a non-positive one
func WithHighPriorityLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.limit = n
		}
	}
}

// NewTracker creates a tracker backed by repo. A nil repo keeps data in memory.
func NewTracker(repo Repository, opts ...Option) *Tracker {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	t := &Tracker{
		repo:     repo,
		policy:   DefaultWeightPolicy(),
		clock:    time.Now,
		logger:   slog.Default(),
		limit:    DefaultHighPriorityLimit,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.policy = t.policy.withDefaults()
	t.logger = t.logger.With("component", "usage")
	return t
}

// Policy returns the weight policy in effect
func (t *Tracker) Policy() WeightPolicy {
	return t.policy
}

// Session returns the session for userID. An empty userID yields a session
// that records nothing and reports defaults.
func (t *Tracker) Session(userID, tenantID string) *Session {
	if userID == "" {
		return &Session{tracker: t}
	}
	if tenantID == "" && t.tenant != nil {
		tenantID = t.tenant(userID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[userID]; ok {
		if tenantID != "" {
			s.setTenant(tenantID)
		}
		return s
	}
	s := &Session{
		tracker:  t,
		userID:   userID,
		tenantID: tenantID,
		weights:  make(map[types.Feature]*types.FeatureWeight),
		unsynced: make(map[types.Feature]bool),
	}
	t.sessions[userID] = s
	return s
}

// Close ends the active view of every open session
func (t *Tracker) Close(ctx context.Context) {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}

// Session is one user's view of the tracker
type Session struct {
	tracker *Tracker
	userID  string

	mu       sync.Mutex
	tenantID string
	hydrated bool
	weights  map[types.Feature]*types.FeatureWeight
	view     *activeView

	// features recorded while stored weights could not be read; they are
	// merged with the stored rows before anything is saved
	unsynced map[types.Feature]bool
}

type activeView struct {
	feature types.Feature
	path    string
	start   time.Time
}

// UserID returns the session's user
func (s *Session) UserID() string { return s.userID }

func (s *Session) enabled() bool { return s.userID != "" }

func (s *Session) setTenant(tenantID string) {
	s.mu.Lock()
	s.tenantID = tenantID
	s.mu.Unlock()
}

// RecordView notes that the user opened feature. The previous view, if any,
// is closed with its duration.
func (s *Session) RecordView(ctx context.Context, feature types.Feature, path string) {
	if !s.enabled() || feature == "" {
		return
	}
	now := s.tracker.clock()

	s.mu.Lock()
	merged := s.hydrateLocked(ctx)
	prev := s.closeViewLocked(now)
	s.view = &activeView{feature: feature, path: path, start: now}
	weight, persist := s.bumpLocked(feature, now)
	s.mu.Unlock()

	if prev != nil {
		s.appendEvent(ctx, *prev)
	}
	s.saveWeights(ctx, merged, feature)
	if persist {
		s.saveWeight(ctx, weight)
	}
	s.tracker.logger.Debug("recorded view", "user_id", s.userID, "feature", feature, "path", path)
}

// RecordAction notes a non-view interaction with feature
func (s *Session) RecordAction(ctx context.Context, feature types.Feature, action types.ActionType, path string) {
	if !s.enabled() || feature == "" {
		return
	}
	if !action.Valid() {
		s.tracker.logger.Warn("ignoring unknown action", "user_id", s.userID, "feature", feature, "action", action)
		return
	}
	now := s.tracker.clock()

	s.mu.Lock()
	merged := s.hydrateLocked(ctx)
	weight, persist := s.bumpLocked(feature, now)
	event := types.BehaviorEvent{
		UserID:   s.userID,
		TenantID: s.tenantID,
		Feature:  feature,
		Action:   action,
		Path:     path,
		At:       now,
	}
	s.mu.Unlock()

	s.appendEvent(ctx, event)
	s.saveWeights(ctx, merged, feature)
	if persist {
		s.saveWeight(ctx, weight)
	}
	s.tracker.logger.Debug("recorded action", "user_id", s.userID, "feature", feature, "action", action)
}

// Close ends the active view, recording its duration
func (s *Session) Close(ctx context.Context) {
	if !s.enabled() {
		return
	}
	s.mu.Lock()
	prev := s.closeViewLocked(s.tracker.clock())
	s.mu.Unlock()

	if prev != nil {
		s.appendEvent(ctx, *prev)
	}
}

// HighPriorityFeatures returns up to limit features by current weight,
// most recently used first among equals
func (s *Session) HighPriorityFeatures(limit int) []types.FeatureWeight {
	if limit <= 0 {
		limit = s.tracker.limit
	}
	all := s.AllFeatureWeights()
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// AllFeatureWeights returns every recorded feature, heaviest first
func (s *Session) AllFeatureWeights() []types.FeatureWeight {
	if !s.enabled() {
		return nil
	}
	now := s.tracker.clock()

	ctx := context.Background()
	s.mu.Lock()
	merged := s.hydrateLocked(ctx)
	out := make([]types.FeatureWeight, 0, len(s.weights))
	for _, w := range s.weights {
		out = append(out, s.currentLocked(w, now))
	}
	s.mu.Unlock()
	s.saveWeights(ctx, merged, "")

	sort.Slice(out, func(i, j int) bool {
		if out[i].WeightScore != out[j].WeightScore {
			return out[i].WeightScore > out[j].WeightScore
		}
		if !out[i].LastAccessAt.Equal(out[j].LastAccessAt) {
			return out[i].LastAccessAt.After(out[j].LastAccessAt)
		}
		return out[i].Feature < out[j].Feature
	})
	return out
}

// LookupTTL returns the derived TTL for feature if it has been recorded
func (s *Session) LookupTTL(feature types.Feature) (time.Duration, bool) {
	w, ok := s.lookup(feature)
	if !ok {
		return 0, false
	}
	return w.CacheTTL, true
}

// CacheTTLFor returns the derived TTL for feature, or DefaultCacheTTL
func (s *Session) CacheTTLFor(feature types.Feature) time.Duration {
	if ttl, ok := s.LookupTTL(feature); ok {
		return ttl
	}
	return DefaultCacheTTL
}

// WeightOf returns the current weight of feature, zero when unrecorded
func (s *Session) WeightOf(feature types.Feature) float64 {
	w, ok := s.lookup(feature)
	if !ok {
		return 0
	}
	return w.WeightScore
}

// Reset forgets every weight for the user, in memory and in the repository
func (s *Session) Reset(ctx context.Context) {
	if !s.enabled() {
		return
	}
	s.mu.Lock()
	s.weights = make(map[types.Feature]*types.FeatureWeight)
	s.unsynced = make(map[types.Feature]bool)
	s.view = nil
	s.hydrated = true
	s.mu.Unlock()

	if err := s.tracker.repo.DeleteWeights(ctx, s.userID); err != nil {
		s.tracker.logger.Error("failed to delete weights", "user_id", s.userID, "error", err)
	}
	s.tracker.logger.Info("reset feature weights", "user_id", s.userID)
}

// Helper methods

func (s *Session) lookup(feature types.Feature) (types.FeatureWeight, bool) {
	if !s.enabled() {
		return types.FeatureWeight{}, false
	}
	now := s.tracker.clock()
	ctx := context.Background()

	s.mu.Lock()
	merged := s.hydrateLocked(ctx)
	w, ok := s.weights[feature]
	var out types.FeatureWeight
	if ok {
		out = s.currentLocked(w, now)
	}
	s.mu.Unlock()

	s.saveWeights(ctx, merged, "")
	return out, ok
}

// hydrateLocked loads stored weights on first use. While the load fails the
// session keeps working from memory and retries on the next call. Once it
// succeeds, weights recorded in the meantime are merged into the stored rows
// and returned so the caller can save them.
func (s *Session) hydrateLocked(ctx context.Context) []types.FeatureWeight {
	if s.hydrated {
		return nil
	}

	stored, err := s.tracker.repo.LoadWeights(ctx, s.userID)
	if err != nil {
		s.tracker.logger.Error("failed to load weights", "user_id", s.userID, "error", err)
		return nil
	}
	s.hydrated = true

	for i := range stored {
		w := stored[i]
		w.UserID = s.userID
		if local, ok := s.weights[w.Feature]; ok && s.unsynced[w.Feature] {
			w = mergeWeights(s.tracker.policy, w, *local)
		}
		s.weights[w.Feature] = &w
	}

	merged := make([]types.FeatureWeight, 0, len(s.unsynced))
	for feature := range s.unsynced {
		merged = append(merged, *s.weights[feature])
	}
	s.unsynced = make(map[types.Feature]bool)
	return merged
}

// mergeWeights combines a stored record with one built from zero after it.
// Decay is multiplicative, so the older score decayed to the newer record's
// last access plus the newer score equals replaying both histories.
func mergeWeights(p WeightPolicy, stored, local types.FeatureWeight) types.FeatureWeight {
	older, newer := stored, local
	if older.LastAccessAt.After(newer.LastAccessAt) {
		older, newer = newer, older
	}
	out := newer
	out.WeightScore = p.Decay(older.WeightScore, newer.LastAccessAt.Sub(older.LastAccessAt)) + newer.WeightScore
	out.AccessCount = stored.AccessCount + local.AccessCount
	out.CacheTTL = p.TTL(out.WeightScore)
	return out
}

// bumpLocked applies decay then one increment to feature. persist is false
// while stored weights are unknown, since saving would overwrite them.
func (s *Session) bumpLocked(feature types.Feature, now time.Time) (weight types.FeatureWeight, persist bool) {
	p := s.tracker.policy
	w, ok := s.weights[feature]
	if !ok {
		w = &types.FeatureWeight{UserID: s.userID, Feature: feature}
		s.weights[feature] = w
	}

	score := w.WeightScore
	if !w.LastAccessAt.IsZero() {
		score = p.Decay(score, now.Sub(w.LastAccessAt))
	}
	w.WeightScore = score + p.Increment
	w.AccessCount++
	if now.After(w.LastAccessAt) {
		w.LastAccessAt = now
	}
	w.CacheTTL = p.TTL(w.WeightScore)
	if !s.hydrated {
		s.unsynced[feature] = true
		return *w, false
	}
	return *w, true
}

// currentLocked returns w decayed to now
func (s *Session) currentLocked(w *types.FeatureWeight, now time.Time) types.FeatureWeight {
	p := s.tracker.policy
	out := *w
	out.WeightScore = p.Decay(w.WeightScore, now.Sub(w.LastAccessAt))
	out.CacheTTL = p.TTL(out.WeightScore)
	return out
}

func (s *Session) closeViewLocked(now time.Time) *types.BehaviorEvent {
	if s.view == nil {
		return nil
	}
	v := s.view
	s.view = nil
	return &types.BehaviorEvent{
		UserID:   s.userID,
		TenantID: s.tenantID,
		Feature:  v.feature,
		Action:   types.ActionView,
		Path:     v.path,
		Duration: now.Sub(v.start),
		At:       now,
	}
}

func (s *Session) appendEvent(ctx context.Context, event types.BehaviorEvent) {
	if err := s.tracker.repo.AppendEvent(ctx, event); err != nil {
		s.tracker.logger.Error("failed to record event",
			"user_id", s.userID, "feature", event.Feature, "action", event.Action, "error", err)
	}
}

// saveWeights saves merged records, skipping the one for except
func (s *Session) saveWeights(ctx context.Context, weights []types.FeatureWeight, except types.Feature) {
	for _, w := range weights {
		if w.Feature != except {
			s.saveWeight(ctx, w)
		}
	}
}

func (s *Session) saveWeight(ctx context.Context, weight types.FeatureWeight) {
	if err := s.tracker.repo.SaveWeight(ctx, weight); err != nil {
		s.tracker.logger.Error("failed to save weight", "user_id", s.userID, "feature", weight.Feature, "error", err)
	}
}
