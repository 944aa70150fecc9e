// Package opencart reads and writes product prices and stock in an OpenCart MySQL database.
package opencart

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pricing-sync-service/internal/models"
)

const (
	FieldRegularPrice = "regularPrice"
	FieldQuantity     = "quantity"
	tierFieldPrefix   = "tier:"

	skuLookupChunk = 500
)

var tablePrefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]*$`)

// TierField is the change/backup field name of a tier price
func TierField(tier string) string {
	return tierFieldPrefix + tier
}

// Config describes one store database
type Config struct {
	StoreID   uint
	StoreName string

	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	TablePrefix string

	SSLCA   string
	SSLCert string
	SSLKey  string

	PoolSize       int
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
	LanguageID     int
	Retry          *RetryConfig
}

// TierWrite is one tier price to write, already resolved to the store's customer group
type TierWrite struct {
	Tier            string
	CustomerGroupID uint
	Price           float64
}

// Update is the set of fields to write for one SKU. Nil fields are left untouched.
type Update struct {
	RegularPrice *float64
	Quantity     *int
	TierPrices   []TierWrite
}

type tables struct {
	product       string
	discount      string
	customerGroup string
	groupDesc     string
}

// Client is a pooled connection to one store database
type Client struct {
	db         *gorm.DB
	tables     tables
	storeID    uint
	storeName  string
	languageID int
	mutualTLS  bool
	tlsKey     string
	logger     *logrus.Entry
}

// Open connects to a store database, retrying transient failures
func Open(ctx context.Context, cfg Config, logger *logrus.Entry) (*Client, error) {
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		return nil, &ConnectionError{StoreID: cfg.StoreID, StoreName: cfg.StoreName, Err: ErrInvalidTablePrefix}
	}

	tlsKey := "opencart-" + uuid.NewString()
	dsn, secure, err := buildDSN(cfg, tlsKey)
	if err != nil {
		return nil, &ConnectionError{StoreID: cfg.StoreID, StoreName: cfg.StoreName, Err: err}
	}
	if !secure {
		tlsKey = ""
		logger.WithField("store_id", cfg.StoreID).Warn("No CA certificate configured, connecting to store without TLS")
	}

	var db *gorm.DB
	result := NewRetrier(cfg.Retry).Do(ctx, "connect", func(ctx context.Context) error {
		opened, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
			Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
			SkipDefaultTransaction: true,
		})
		if err != nil {
			closeGorm(opened)
			return err
		}
		db = opened
		return nil
	})
	if result.LastError != nil {
		if tlsKey != "" {
			mysql.DeregisterTLSConfig(tlsKey)
		}
		return nil, &ConnectionError{StoreID: cfg.StoreID, StoreName: cfg.StoreName, Err: result.LastError}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &ConnectionError{StoreID: cfg.StoreID, StoreName: cfg.StoreName, Err: err}
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 5
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	client := newClient(db, cfg, logger)
	client.mutualTLS = secure && cfg.SSLCert != "" && cfg.SSLKey != ""
	client.tlsKey = tlsKey

	logger.WithFields(logrus.Fields{
		"store_id": cfg.StoreID,
		"attempts": result.Attempts,
		"secure":   secure,
	}).Info("Connected to store database")

	return client, nil
}

// NewWithDB wraps an existing gorm handle
func NewWithDB(db *gorm.DB, cfg Config, logger *logrus.Entry) (*Client, error) {
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		return nil, ErrInvalidTablePrefix
	}
	return newClient(db, cfg, logger), nil
}

func newClient(db *gorm.DB, cfg Config, logger *logrus.Entry) *Client {
	languageID := cfg.LanguageID
	if languageID <= 0 {
		languageID = 1
	}
	return &Client{
		db: db,
		tables: tables{
			product:       cfg.TablePrefix + "product",
			discount:      cfg.TablePrefix + "product_discount",
			customerGroup: cfg.TablePrefix + "customer_group",
			groupDesc:     cfg.TablePrefix + "customer_group_description",
		},
		storeID:    cfg.StoreID,
		storeName:  cfg.StoreName,
		languageID: languageID,
		logger:     logger.WithField("store_id", cfg.StoreID),
	}
}

// Close releases the pool
func (c *Client) Close() error {
	if c.tlsKey != "" {
		mysql.DeregisterTLSConfig(c.tlsKey)
	}
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping runs a liveness query
func (c *Client) Ping(ctx context.Context) error {
	var one int
	if err := c.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return &ConnectionError{StoreID: c.storeID, StoreName: c.storeName, Err: err}
	}
	return nil
}

type statusVariable struct {
	VariableName string `gorm:"column:Variable_name"`
	Value        string `gorm:"column:Value"`
}

// Security reports the negotiated TLS cipher and protocol version of the session
func (c *Client) Security(ctx context.Context) (*models.SecurityDetails, bool, error) {
	var vars []statusVariable
	if err := c.db.WithContext(ctx).Raw("SHOW SESSION STATUS LIKE 'Ssl_%'").Scan(&vars).Error; err != nil {
		return nil, false, c.wrap("read session status", "", err)
	}

	details := &models.SecurityDetails{MutualTLS: c.mutualTLS}
	for _, v := range vars {
		switch v.VariableName {
		case "Ssl_cipher":
			details.Cipher = v.Value
		case "Ssl_version":
			details.Version = v.Value
		}
	}

	return details, details.Cipher != "", nil
}

// CustomerGroups lists the store's customer groups
func (c *Client) CustomerGroups(ctx context.Context) ([]models.CustomerGroup, error) {
	query := fmt.Sprintf(
		"SELECT cg.customer_group_id AS id, COALESCE(cgd.name, '') AS name FROM %s cg "+
			"LEFT JOIN %s cgd ON cgd.customer_group_id = cg.customer_group_id AND cgd.language_id = ? "+
			"ORDER BY cg.sort_order, cg.customer_group_id",
		c.tables.customerGroup, c.tables.groupDesc)

	var groups []models.CustomerGroup
	if err := c.db.WithContext(ctx).Raw(query, c.languageID).Scan(&groups).Error; err != nil {
		return nil, c.wrap("list customer groups", "", err)
	}
	return groups, nil
}

// FindProductID returns the product id for sku or a ProductNotFoundError
func (c *Client) FindProductID(ctx context.Context, sku string) (uint, error) {
	return c.findProductID(c.db.WithContext(ctx), sku)
}

func (c *Client) findProductID(db *gorm.DB, sku string) (uint, error) {
	query := fmt.Sprintf("SELECT product_id FROM %s WHERE sku = ? ORDER BY product_id LIMIT 1", c.tables.product)

	var ids []uint
	if err := db.Raw(query, sku).Scan(&ids).Error; err != nil {
		return 0, c.wrap("find product", sku, err)
	}
	if len(ids) == 0 {
		return 0, &ProductNotFoundError{StoreID: c.storeID, StoreName: c.storeName, SKU: sku}
	}
	return ids[0], nil
}

// ExistingSKUs returns the subset of skus present in the store
func (c *Client) ExistingSKUs(ctx context.Context, skus []string) (map[string]bool, error) {
	query := fmt.Sprintf("SELECT DISTINCT sku FROM %s WHERE sku IN ?", c.tables.product)
	found := make(map[string]bool, len(skus))

	for start := 0; start < len(skus); start += skuLookupChunk {
		end := start + skuLookupChunk
		if end > len(skus) {
			end = len(skus)
		}

		var batch []string
		if err := c.db.WithContext(ctx).Raw(query, skus[start:end]).Scan(&batch).Error; err != nil {
			return nil, c.wrap("look up skus", "", err)
		}
		for _, sku := range batch {
			found[sku] = true
		}
	}

	return found, nil
}

// CurrentValues reads price, quantity and the tier prices for groupIDs
func (c *Client) CurrentValues(ctx context.Context, productID uint, groupIDs []uint) (*models.ProductValues, error) {
	return c.currentValues(c.db.WithContext(ctx), productID, groupIDs)
}

type productRecord struct {
	Price    float64
	Quantity int
}

type discountRecord struct {
	CustomerGroupID uint
	Price           float64
}

func (c *Client) currentValues(db *gorm.DB, productID uint, groupIDs []uint) (*models.ProductValues, error) {
	var product productRecord
	query := fmt.Sprintf("SELECT price, quantity FROM %s WHERE product_id = ?", c.tables.product)
	res := db.Raw(query, productID).Scan(&product)
	if res.Error != nil {
		return nil, c.wrap("read product", "", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, &ProductNotFoundError{StoreID: c.storeID, StoreName: c.storeName, SKU: fmt.Sprintf("product_id=%d", productID)}
	}

	values := &models.ProductValues{
		RegularPrice: product.Price,
		Quantity:     product.Quantity,
		TierPrices:   make(map[uint]float64),
	}
	if len(groupIDs) == 0 {
		return values, nil
	}

	var discounts []discountRecord
	query = fmt.Sprintf(
		"SELECT customer_group_id, price FROM %s WHERE product_id = ? AND customer_group_id IN ? AND quantity <= 1 "+
			"ORDER BY priority, product_discount_id", c.tables.discount)
	if err := db.Raw(query, productID, groupIDs).Scan(&discounts).Error; err != nil {
		return nil, c.wrap("read tier prices", "", err)
	}
	for _, d := range discounts {
		if _, seen := values.TierPrices[d.CustomerGroupID]; !seen {
			values.TierPrices[d.CustomerGroupID] = d.Price
		}
	}

	return values, nil
}

// ApplyUpdate looks up sku, snapshots its values and writes only the fields present
// in update, all in one transaction. The outcome lists old/new per written field.
func (c *Client) ApplyUpdate(ctx context.Context, sku string, update Update) (*models.UpdateOutcome, error) {
	var outcome *models.UpdateOutcome

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		productID, err := c.findProductID(tx, sku)
		if err != nil {
			return err
		}

		groupIDs := make([]uint, 0, len(update.TierPrices))
		for _, tw := range update.TierPrices {
			groupIDs = append(groupIDs, tw.CustomerGroupID)
		}

		current, err := c.currentValues(tx, productID, groupIDs)
		if err != nil {
			return err
		}

		outcome = &models.UpdateOutcome{ProductID: productID}

		var sets []string
		var args []interface{}
		if update.RegularPrice != nil {
			sets = append(sets, "price = ?")
			args = append(args, *update.RegularPrice)
			outcome.Changes = append(outcome.Changes, models.FieldChange{
				Field: FieldRegularPrice, Old: current.RegularPrice, New: *update.RegularPrice,
			})
		}
		if update.Quantity != nil {
			sets = append(sets, "quantity = ?")
			args = append(args, *update.Quantity)
			outcome.Changes = append(outcome.Changes, models.FieldChange{
				Field: FieldQuantity, Old: float64(current.Quantity), New: float64(*update.Quantity),
			})
		}
		if len(sets) > 0 {
			stmt := fmt.Sprintf("UPDATE %s SET %s, date_modified = NOW() WHERE product_id = ?",
				c.tables.product, strings.Join(sets, ", "))
			if err := tx.Exec(stmt, append(args, productID)...).Error; err != nil {
				return c.wrap("update product", sku, err)
			}
		}

		for _, tw := range update.TierPrices {
			old, exists := current.TierPrices[tw.CustomerGroupID]
			if err := c.writeTierPrice(tx, productID, tw.CustomerGroupID, tw.Price, exists); err != nil {
				return c.wrap("update tier price "+tw.Tier, sku, err)
			}
			outcome.Changes = append(outcome.Changes, models.FieldChange{
				Field: TierField(tw.Tier), Old: old, New: tw.Price,
			})
		}

		return nil
	})
	if err != nil {
		return nil, c.withSKU(err, sku)
	}

	c.logger.WithFields(logrus.Fields{
		"sku":        sku,
		"product_id": outcome.ProductID,
		"changes":    len(outcome.Changes),
	}).Debug("Applied product update")

	return outcome, nil
}

// WriteValues overwrites a product's values. Tier groups in groupIDs that are
// absent from values lose their tier price.
func (c *Client) WriteValues(ctx context.Context, productID uint, values models.ProductValues, groupIDs []uint) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := c.currentValues(tx, productID, groupIDs)
		if err != nil {
			return err
		}

		stmt := fmt.Sprintf("UPDATE %s SET price = ?, quantity = ?, date_modified = NOW() WHERE product_id = ?", c.tables.product)
		if err := tx.Exec(stmt, values.RegularPrice, values.Quantity, productID).Error; err != nil {
			return c.wrap("restore product", "", err)
		}

		for _, groupID := range groupIDs {
			_, exists := current.TierPrices[groupID]
			price, keep := values.TierPrices[groupID]

			switch {
			case keep:
				if err := c.writeTierPrice(tx, productID, groupID, price, exists); err != nil {
					return c.wrap("restore tier price", "", err)
				}
			case exists:
				stmt := fmt.Sprintf("DELETE FROM %s WHERE product_id = ? AND customer_group_id = ? AND quantity <= 1", c.tables.discount)
				if err := tx.Exec(stmt, productID, groupID).Error; err != nil {
					return c.wrap("remove tier price", "", err)
				}
			}
		}
		return nil
	})
}

func (c *Client) writeTierPrice(tx *gorm.DB, productID, groupID uint, price float64, exists bool) error {
	if exists {
		stmt := fmt.Sprintf("UPDATE %s SET price = ? WHERE product_id = ? AND customer_group_id = ? AND quantity <= 1", c.tables.discount)
		return tx.Exec(stmt, price, productID, groupID).Error
	}
	stmt := fmt.Sprintf(
		"INSERT INTO %s (product_id, customer_group_id, quantity, priority, price, date_start, date_end) "+
			"VALUES (?, ?, 1, 1, ?, '0000-00-00', '0000-00-00')", c.tables.discount)
	return tx.Exec(stmt, productID, groupID, price).Error
}

// wrap converts a driver error into a ConnectionError or QueryError
func (c *Client) wrap(op, sku string, err error) error {
	if isConnectionFailure(err) {
		return &ConnectionError{StoreID: c.storeID, StoreName: c.storeName, SKU: sku, Err: err}
	}
	return &QueryError{StoreID: c.storeID, SKU: sku, Op: op, Err: err}
}

func (c *Client) withSKU(err error, sku string) error {
	switch e := err.(type) {
	case *ConnectionError:
		if e.SKU == "" {
			e.SKU = sku
		}
	case *QueryError:
		if e.SKU == "" {
			e.SKU = sku
		}
	default:
		if _, ok := err.(*ProductNotFoundError); !ok {
			return c.wrap("update", sku, err)
		}
	}
	return err
}

func closeGorm(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}
