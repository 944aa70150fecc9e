package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
)

const missingSKUSamples = 5

// SKUChecker reports which skus a store does not carry
type SKUChecker interface {
	MissingSKUs(ctx context.Context, store *models.Store, skus []string) ([]string, error)
}

// Validator produces the advisory issue list shown on preview. It never
// changes rows and never fails the preview.
type Validator struct {
	tiers   []models.Tier
	stores  StoreLookup
	checker SKUChecker
	logger  *logrus.Entry
}

// NewValidator creates a new validator
func NewValidator(tiers []models.Tier, stores StoreLookup, checker SKUChecker, logger *logrus.Entry) *Validator {
	return &Validator{
		tiers:   tiers,
		stores:  stores,
		checker: checker,
		logger:  logger.WithField("component", "validator"),
	}
}

// Validate runs every check and returns the issues in a stable order
func (v *Validator) Validate(ctx context.Context, result *ParseResult, storeIDs []uint) []string {
	issues := []string{}

	dup := DuplicateSKUs(result.Rows)
	if len(dup) > 0 {
		issues = append(issues, fmt.Sprintf("Duplicate SKUs found: %s", strings.Join(dup, ", ")))
	}
	duplicated := make(map[string]bool, len(dup))
	for _, sku := range dup {
		duplicated[sku] = true
	}

	for _, skipped := range result.Skipped {
		if skipped.SKU != "" {
			issues = append(issues, fmt.Sprintf("Row %d (%s) skipped: %s", skipped.Row, skipped.SKU, skipped.Reason))
		} else {
			issues = append(issues, fmt.Sprintf("Row %d skipped: %s", skipped.Row, skipped.Reason))
		}
	}

	for _, tier := range v.tiers {
		count := 0
		for i := range result.Rows {
			if result.Rows[i].HasMismatch(tier.Name) {
				count++
			}
		}
		if count > 0 {
			issues = append(issues, fmt.Sprintf("%d rows have a %s price that differs from the calculated %.0f%% discount", count, tier.Name, tier.DiscountPercentage))
		}
	}

	skus := make([]string, 0, len(result.Rows))
	for i := range result.Rows {
		skus = append(skus, result.Rows[i].SKU)
	}
	for _, storeID := range storeIDs {
		if issue := v.checkStore(ctx, storeID, skus, duplicated); issue != "" {
			issues = append(issues, issue)
		}
	}

	return issues
}

// checkStore reports the store's connection state and a sample of SKUs it lacks.
// Duplicated SKUs are already named once and stay out of the sample.
func (v *Validator) checkStore(ctx context.Context, storeID uint, skus []string, duplicated map[string]bool) string {
	store, err := v.stores.GetByID(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreNotFound) {
			return fmt.Sprintf("Store %d does not exist", storeID)
		}
		v.logger.WithError(err).WithField("store_id", storeID).Error("Failed to load store")
		return fmt.Sprintf("Store %d could not be loaded: %v", storeID, err)
	}
	if store.Connection == nil || !store.Connection.IsActive {
		return fmt.Sprintf("%s: no active database connection, updates to this store will fail", store.Name)
	}
	if len(skus) == 0 {
		return ""
	}

	missing, err := v.checker.MissingSKUs(ctx, store, skus)
	if err != nil {
		v.logger.WithError(err).WithField("store_id", storeID).Warn("SKU lookup failed")
		return fmt.Sprintf("%s: could not check SKUs: %v", store.Name, err)
	}
	if len(missing) == 0 {
		return ""
	}

	sample := make([]string, 0, missingSKUSamples)
	for _, sku := range missing {
		if duplicated[sku] {
			continue
		}
		sample = append(sample, sku)
		if len(sample) == missingSKUSamples {
			break
		}
	}

	issue := fmt.Sprintf("%s: %d of %d SKUs not found", store.Name, len(missing), len(dedupe(skus)))
	if len(sample) > 0 {
		issue += fmt.Sprintf(" (e.g. %s)", strings.Join(sample, ", "))
	}
	return issue
}

// DuplicateSKUs returns each sku that appears more than once, in first-seen order
func DuplicateSKUs(rows []models.ProductRow) []string {
	counts := make(map[string]int, len(rows))
	var order []string
	for i := range rows {
		sku := rows[i].SKU
		if counts[sku] == 0 {
			order = append(order, sku)
		}
		counts[sku]++
	}

	var dup []string
	for _, sku := range order {
		if counts[sku] > 1 {
			dup = append(dup, sku)
		}
	}
	return dup
}
