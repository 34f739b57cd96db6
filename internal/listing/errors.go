package listing

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no warehouse row matched by id or SKU
	ErrNotFound = errors.New("warehouse item not found")
	// ErrAlreadyListed is returned by the duplicate guard
	ErrAlreadyListed = errors.New("warehouse item already has a created offer")
)

// InsufficientStockError reports a stock level below the listing floor
type InsufficientStockError struct {
	WarehouseItemID string
	Available       int
	Required        int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: have %d, need at least %d", e.WarehouseItemID, e.Available, e.Required)
}

// GatewayError wraps an upstream offer creation failure
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("offer creation failed: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }
