package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProductBackup is a pre-update snapshot of one product in one store.
// Rows sharing a Name make up one backup.
type ProductBackup struct {
	ID           uint                                 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string                               `gorm:"type:varchar(255);not null;index" json:"name"`
	JobID        uint                                 `gorm:"not null;index" json:"jobId"`
	StoreID      uint                                 `gorm:"not null;index" json:"storeId"`
	ProductID    uint                                 `gorm:"not null" json:"productId"`
	SKU          string                               `gorm:"type:varchar(255);not null" json:"sku"`
	RegularPrice float64                              `json:"regularPrice"`
	Quantity     int                                  `json:"quantity"`
	TierPrices   datatypes.JSONType[map[uint]float64] `gorm:"type:jsonb" json:"tierPrices"`
	TierGroups   datatypes.JSONSlice[uint]            `gorm:"type:jsonb" json:"tierGroups"`
	CreatedAt    time.Time                            `json:"createdAt"`
}

// TableName specifies the table name
func (ProductBackup) TableName() string {
	return "product_backups"
}

// Values returns the snapshot as product values
func (b *ProductBackup) Values() ProductValues {
	return ProductValues{
		RegularPrice: b.RegularPrice,
		Quantity:     b.Quantity,
		TierPrices:   b.TierPrices.Data(),
	}
}

// BackupHandle identifies a created backup
type BackupHandle struct {
	Name         string    `json:"name"`
	StoreID      uint      `json:"storeId"`
	JobID        uint      `json:"jobId"`
	ProductCount int       `json:"productCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RestoreResult is the outcome of a restore request
type RestoreResult struct {
	Success          bool   `json:"success"`
	Message          string `json:"message"`
	RestoredProducts int    `json:"restoredProducts"`
}
