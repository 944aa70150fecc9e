package models

import (
	"time"
)

// DefaultTablePrefix is the OpenCart installer default
const DefaultTablePrefix = "oc_"

// Store is a sync target
type Store struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	Name       string           `gorm:"type:varchar(255);not null" json:"name"`
	URL        string           `gorm:"type:varchar(500)" json:"url"`
	Connection *StoreConnection `gorm:"foreignKey:StoreID" json:"connection,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// TableName specifies the table name
func (Store) TableName() string {
	return "stores"
}

// StoreConnection holds database credentials for a store. At most one per store.
type StoreConnection struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	StoreID     uint   `gorm:"not null;uniqueIndex" json:"storeId"`
	Host        string `gorm:"type:varchar(255);not null" json:"host"`
	Port        int    `gorm:"not null;default:3306" json:"port"`
	Database    string `gorm:"type:varchar(255);not null" json:"database"`
	Username    string `gorm:"type:varchar(255);not null" json:"username"`
	Password    string `gorm:"type:text" json:"-"`
	TablePrefix string `gorm:"type:varchar(32);default:'oc_'" json:"tablePrefix"`

	// PEM encoded TLS material. A CA enables TLS, client cert+key enable mutual TLS.
	SSLCA   string `gorm:"type:text" json:"-"`
	SSLCert string `gorm:"type:text" json:"-"`
	SSLKey  string `gorm:"type:text" json:"-"`

	// Secret Manager resource name holding credentials; overrides Password/SSL* when set
	SecretReference string `gorm:"type:varchar(500)" json:"secretReference,omitempty"`

	IsActive  bool      `gorm:"default:true" json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (StoreConnection) TableName() string {
	return "store_connections"
}

// HasTLS reports whether a CA certificate is configured
func (c *StoreConnection) HasTLS() bool {
	return c.SSLCA != ""
}

// StoreTierMapping overrides a tier's customer group for one store
type StoreTierMapping struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	StoreID         uint      `gorm:"not null;uniqueIndex:idx_store_tier" json:"storeId"`
	TierName        string    `gorm:"type:varchar(100);not null;uniqueIndex:idx_store_tier" json:"tierName"`
	CustomerGroupID uint      `gorm:"not null" json:"customerGroupId"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// TableName specifies the table name
func (StoreTierMapping) TableName() string {
	return "store_tier_mappings"
}

// ConnectionParams are the inputs of a connection test or a connection upsert
type ConnectionParams struct {
	Host            string `json:"host" binding:"required"`
	Port            int    `json:"port"`
	Database        string `json:"database" binding:"required"`
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password"`
	TablePrefix     string `json:"tablePrefix"`
	SSLCA           string `json:"sslCa,omitempty"`
	SSLCert         string `json:"sslCert,omitempty"`
	SSLKey          string `json:"sslKey,omitempty"`
	SecretReference string `json:"secretReference,omitempty"`
}

// ToConnection builds a connection record from request params
func (p ConnectionParams) ToConnection(storeID uint) *StoreConnection {
	conn := &StoreConnection{
		StoreID:         storeID,
		Host:            p.Host,
		Port:            p.Port,
		Database:        p.Database,
		Username:        p.Username,
		Password:        p.Password,
		TablePrefix:     p.TablePrefix,
		SSLCA:           p.SSLCA,
		SSLCert:         p.SSLCert,
		SSLKey:          p.SSLKey,
		SecretReference: p.SecretReference,
		IsActive:        true,
	}
	if conn.Port == 0 {
		conn.Port = 3306
	}
	if conn.TablePrefix == "" {
		conn.TablePrefix = DefaultTablePrefix
	}
	return conn
}

// CustomerGroup is an OpenCart customer group
type CustomerGroup struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

// SecurityDetails describes the TLS state of a store session
type SecurityDetails struct {
	Cipher    string `json:"cipher,omitempty"`
	Version   string `json:"version,omitempty"`
	MutualTLS bool   `json:"mutualTls"`
}

// ConnectionTestResult is returned by a connection test
type ConnectionTestResult struct {
	Success           bool             `json:"success"`
	Message           string           `json:"message,omitempty"`
	IsSecure          bool             `json:"isSecure"`
	SecurityDetails   *SecurityDetails `json:"securityDetails,omitempty"`
	CustomerGroups    []CustomerGroup  `json:"customerGroups"`
	SuggestedMappings map[string]uint  `json:"suggestedMappings,omitempty"`
}
