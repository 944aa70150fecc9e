package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus represents the status of an update job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusPartial   JobStatus = "PARTIAL"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether the status is final
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartial || s == JobStatusFailed
}

// UpdateJob is one batch synchronization run
type UpdateJob struct {
	ID             uint                              `gorm:"primaryKey;autoIncrement" json:"id"`
	Filename       string                            `gorm:"type:varchar(500);not null" json:"filename"`
	RowCount       int                               `gorm:"not null" json:"rowCount"`
	TargetStoreIDs datatypes.JSONSlice[uint]         `gorm:"type:jsonb" json:"targetStoreIds"`
	Options        datatypes.JSONType[UpdateOptions] `gorm:"type:jsonb" json:"options"`
	Status         JobStatus                         `gorm:"type:varchar(20);not null;default:'PENDING';index" json:"status"`
	TotalPairs     int                               `gorm:"default:0" json:"totalPairs"`
	FailedPairs    int                               `gorm:"default:0" json:"failedPairs"`
	Cancelled      bool                              `gorm:"default:false" json:"cancelled"`
	CreatedAt      time.Time                         `gorm:"index" json:"createdAt"`
	CompletedAt    *time.Time                        `json:"completedAt,omitempty"`
}

// TableName specifies the table name
func (UpdateJob) TableName() string {
	return "update_jobs"
}

// UpdateDetail is one row's outcome for one store. Append-only.
type UpdateDetail struct {
	ID           uint              `gorm:"primaryKey;autoIncrement" json:"id"`
	JobID        uint              `gorm:"not null;index" json:"jobId"`
	StoreID      uint              `gorm:"not null;index" json:"storeId"`
	SKU          string            `gorm:"type:varchar(255);not null" json:"sku"`
	ProductID    *uint             `json:"productId,omitempty"`
	OldValues    datatypes.JSONMap `gorm:"type:jsonb" json:"oldValues,omitempty"`
	NewValues    datatypes.JSONMap `gorm:"type:jsonb" json:"newValues,omitempty"`
	Success      bool              `gorm:"not null" json:"success"`
	ErrorMessage string            `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// TableName specifies the table name
func (UpdateDetail) TableName() string {
	return "update_details"
}

// FieldChange is an old/new pair for one written field
type FieldChange struct {
	Field string  `json:"field"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
}

// UpdateOutcome is the result of applying one row to one store
type UpdateOutcome struct {
	ProductID uint          `json:"productId"`
	Changes   []FieldChange `json:"changes"`
}

// OldValues returns the pre-update value of each changed field
func (o *UpdateOutcome) OldValues() datatypes.JSONMap {
	values := datatypes.JSONMap{}
	for _, c := range o.Changes {
		values[c.Field] = c.Old
	}
	return values
}

// NewValues returns the written value of each changed field
func (o *UpdateOutcome) NewValues() datatypes.JSONMap {
	values := datatypes.JSONMap{}
	for _, c := range o.Changes {
		values[c.Field] = c.New
	}
	return values
}

// StoreProgress is one store's share of a job's progress
type StoreProgress struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Progress int    `json:"progress"`
}

// JobProgress is the polling view of a running or finished job
type JobProgress struct {
	JobID   uint            `json:"jobId"`
	Overall int             `json:"overall"`
	Stores  []StoreProgress `json:"stores"`
	Done    bool            `json:"done"`
}
