package types

import (
	"time"
)

// Strategy names a cache eviction strategy.
type Strategy string

const (
	// StrategyLRU evicts the least recently accessed entry.
	StrategyLRU Strategy = "LRU"
	// StrategyLFU evicts the least frequently accessed entry.
	StrategyLFU Strategy = "LFU"
)

// CacheStats represents a point-in-time view of one cache store
type CacheStats struct {
	Name        string        `json:"name"`
	Strategy    Strategy      `json:"strategy"`
	Size        int           `json:"size"`
	Capacity    int           `json:"capacity"`
	DefaultTTL  time.Duration `json:"default_ttl"`
	Keys        []string      `json:"keys"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Expirations uint64        `json:"expirations"`
	HitRate     float64       `json:"hit_rate"`
	Utilization float64       `json:"utilization"`
}

// RegistryStats aggregates the stats of every named store
type RegistryStats struct {
	Stores    map[string]CacheStats `json:"stores"`
	TotalSize int                   `json:"total_size"`
	Hits      uint64                `json:"hits"`
	Misses    uint64                `json:"misses"`
	Evictions uint64                `json:"evictions"`
	HitRate   float64               `json:"hit_rate"`
}

// Feature identifies an application area whose data is cached
type Feature string

// Features of the workforce application
const (
	FeatureDashboard               Feature = "dashboard"
	FeatureAttendance              Feature = "attendance"
	FeatureAttendanceRules         Feature = "attendance_rules"
	FeatureLeaveApplications       Feature = "leave_applications"
	FeatureResignationApplications Feature = "resignation_applications"
	FeatureVehicles                Feature = "vehicles"
	FeatureVehicleRecords          Feature = "vehicle_records"
	FeaturePieceWork               Feature = "piece_work"
	FeatureFeedback                Feature = "feedback"
	FeatureUserManagement          Feature = "user_management"
	FeatureWarehouseManagement     Feature = "warehouse_management"
	FeatureNotifications           Feature = "notifications"
	FeatureProfile                 Feature = "profile"
)

// KnownFeatures lists every predefined feature.
func KnownFeatures() []Feature {
	return []Feature{
		FeatureDashboard,
		FeatureAttendance,
		FeatureAttendanceRules,
		FeatureLeaveApplications,
		FeatureResignationApplications,
		FeatureVehicles,
		FeatureVehicleRecords,
		FeaturePieceWork,
		FeatureFeedback,
		FeatureUserManagement,
		FeatureWarehouseManagement,
		FeatureNotifications,
		FeatureProfile,
	}
}

// ActionType is the kind of user interaction recorded by the usage tracker
type ActionType string

const (
	ActionView   ActionType = "view"
	ActionCreate ActionType = "create"
	ActionUpdate ActionType = "update"
	ActionDelete ActionType = "delete"
	ActionSearch ActionType = "search"
	ActionExport ActionType = "export"
)

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionView, ActionCreate, ActionUpdate, ActionDelete, ActionSearch, ActionExport:
		return true
	}
	return false
}

// FeatureWeight is the derived importance of a feature for one user
type FeatureWeight struct {
	UserID       string        `json:"user_id"`
	Feature      Feature       `json:"feature"`
	WeightScore  float64       `json:"weight_score"`
	CacheTTL     time.Duration `json:"cache_ttl"`
	AccessCount  int64         `json:"access_count"`
	LastAccessAt time.Time     `json:"last_access_at"`
}

// BehaviorEvent is one recorded view or action
type BehaviorEvent struct {
	UserID   string        `json:"user_id"`
	TenantID string        `json:"tenant_id,omitempty"`
	Feature  Feature       `json:"feature"`
	Action   ActionType    `json:"action"`
	Path     string        `json:"path,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	At       time.Time     `json:"at"`
}
