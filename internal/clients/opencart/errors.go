package opencart

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// ErrProductNotFound is matched by ProductNotFoundError
var ErrProductNotFound = errors.New("product not found")

// ErrInvalidTablePrefix is returned for prefixes that are not plain identifiers
var ErrInvalidTablePrefix = errors.New("invalid table prefix")

// ConnectionError is returned when a store database cannot be reached,
// rejects the credentials or fails the TLS handshake
type ConnectionError struct {
	StoreID   uint
	StoreName string
	SKU       string
	Err       error
}

func (e *ConnectionError) Error() string {
	store := e.StoreName
	if store == "" {
		store = fmt.Sprintf("#%d", e.StoreID)
	}
	if e.SKU != "" {
		return fmt.Sprintf("connection to store %s failed (sku %s): %v", store, e.SKU, e.Err)
	}
	return fmt.Sprintf("connection to store %s failed: %v", store, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProductNotFoundError is returned when a SKU has no product in a store
type ProductNotFoundError struct {
	StoreID   uint
	StoreName string
	SKU       string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("sku %s not found in store %s", e.SKU, e.StoreName)
}

func (e *ProductNotFoundError) Is(target error) bool {
	return target == ErrProductNotFound
}

// QueryError is returned when a statement fails on a live connection
type QueryError struct {
	StoreID uint
	SKU     string
	Op      string
	Err     error
}

func (e *QueryError) Error() string {
	if e.SKU != "" {
		return fmt.Sprintf("%s failed for sku %s: %v", e.Op, e.SKU, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is (or wraps) a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// isConnectionFailure classifies driver errors that mean the session is unusable
func isConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	// database/sql does not export its closed-pool error
	if strings.Contains(err.Error(), "sql: database is closed") {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1044, 1045, 1049, 1129, 1130, 1203, 2003, 2013:
			return true
		}
	}
	return false
}
