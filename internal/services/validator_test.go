package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/repository"
)

type fakeChecker struct {
	missing map[uint][]string
	err     error
}

func (f *fakeChecker) MissingSKUs(ctx context.Context, store *models.Store, skus []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.missing[store.ID], nil
}

func rowsFor(skus ...string) []models.ProductRow {
	rows := make([]models.ProductRow, len(skus))
	for i, sku := range skus {
		rows[i] = models.ProductRow{SKU: sku, RegularPrice: 100, SourceRowIndex: i + 2}
	}
	return rows
}

func TestValidator_DuplicateSKUsReportedOnce(t *testing.T) {
	v := NewValidator(testTiers, new(MockStoreLookup), &fakeChecker{}, testLogger())

	result := &ParseResult{Rows: rowsFor("ABC", "XYZ", "ABC", "XYZ", "ABC", "DEF")}
	issues := v.Validate(context.Background(), result, nil)

	assert.Equal(t, []string{"Duplicate SKUs found: ABC, XYZ"}, issues)

	mentions := 0
	for _, issue := range issues {
		mentions += strings.Count(issue, "ABC")
	}
	assert.Equal(t, 1, mentions)
}

func TestValidator_NoIssues(t *testing.T) {
	v := NewValidator(testTiers, new(MockStoreLookup), &fakeChecker{}, testLogger())
	issues := v.Validate(context.Background(), &ParseResult{Rows: rowsFor("A", "B")}, nil)
	assert.NotNil(t, issues)
	assert.Empty(t, issues)
}

func TestValidator_MismatchesAndSkippedRows(t *testing.T) {
	v := NewValidator(testTiers, new(MockStoreLookup), &fakeChecker{}, testLogger())

	rows := rowsFor("A", "B", "C")
	rows[0].TierMismatchFlags = map[string]bool{"depot": true, "warehouse": true}
	rows[2].TierMismatchFlags = map[string]bool{"depot": true}
	result := &ParseResult{
		Rows: rows,
		Skipped: []SkippedRow{
			{Row: 5, Reason: "missing SKU"},
			{Row: 6, SKU: "Q", Reason: "invalid regular price"},
		},
	}

	issues := v.Validate(context.Background(), result, nil)
	assert.Equal(t, []string{
		"Row 5 skipped: missing SKU",
		"Row 6 (Q) skipped: invalid regular price",
		"2 rows have a depot price that differs from the calculated 18% discount",
		"1 rows have a warehouse price that differs from the calculated 26% discount",
	}, issues)
}

func TestValidator_DuplicateMissingFromStoreMentionedOnce(t *testing.T) {
	stores := new(MockStoreLookup)
	main := connectedStore(1, "Main")
	stores.On("GetByID", mock.Anything, uint(1)).Return(&main, nil)
	v := NewValidator(testTiers, stores, &fakeChecker{missing: map[uint][]string{1: {"ABC", "DEF"}}}, testLogger())

	result := &ParseResult{Rows: rowsFor("ABC", "XYZ", "ABC", "DEF")}
	issues := v.Validate(context.Background(), result, []uint{1})

	assert.Equal(t, []string{
		"Duplicate SKUs found: ABC",
		"Main: 2 of 3 SKUs not found (e.g. DEF)",
	}, issues)

	mentions := 0
	for _, issue := range issues {
		mentions += strings.Count(issue, "ABC")
	}
	assert.Equal(t, 1, mentions)

	onlyDuplicates := NewValidator(testTiers, stores, &fakeChecker{missing: map[uint][]string{1: {"ABC"}}}, testLogger())
	issues = onlyDuplicates.Validate(context.Background(), result, []uint{1})
	assert.Equal(t, "Main: 1 of 3 SKUs not found", issues[1])
}

func TestValidator_StoreChecks(t *testing.T) {
	stores := new(MockStoreLookup)
	main := connectedStore(1, "Main")
	offline := models.Store{ID: 2, Name: "Offline"}
	outlet := connectedStore(3, "Outlet")
	stores.On("GetByID", mock.Anything, uint(1)).Return(&main, nil)
	stores.On("GetByID", mock.Anything, uint(2)).Return(&offline, nil)
	stores.On("GetByID", mock.Anything, uint(3)).Return(&outlet, nil)
	stores.On("GetByID", mock.Anything, uint(4)).Return(nil, repository.ErrStoreNotFound)

	checker := &fakeChecker{missing: map[uint][]string{
		1: {"S1", "S2", "S3", "S4", "S5", "S6", "S7"},
	}}
	v := NewValidator(testTiers, stores, checker, testLogger())

	skus := make([]string, 10)
	for i := range skus {
		skus[i] = "S" + string(rune('0'+i))
	}
	issues := v.Validate(context.Background(), &ParseResult{Rows: rowsFor(skus...)}, []uint{4, 1, 2, 3})

	assert.Equal(t, []string{
		"Store 4 does not exist",
		"Main: 7 of 10 SKUs not found (e.g. S1, S2, S3, S4, S5)",
		"Offline: no active database connection, updates to this store will fail",
	}, issues)
}

func TestValidator_LookupErrorIsAnIssue(t *testing.T) {
	stores := new(MockStoreLookup)
	main := connectedStore(1, "Main")
	stores.On("GetByID", mock.Anything, uint(1)).Return(&main, nil)

	v := NewValidator(testTiers, stores, &fakeChecker{err: errors.New("connection refused")}, testLogger())
	issues := v.Validate(context.Background(), &ParseResult{Rows: rowsFor("A")}, []uint{1})

	assert.Equal(t, []string{"Main: could not check SKUs: connection refused"}, issues)
}

func TestValidator_Idempotent(t *testing.T) {
	stores := new(MockStoreLookup)
	main := connectedStore(1, "Main")
	stores.On("GetByID", mock.Anything, uint(1)).Return(&main, nil)
	v := NewValidator(testTiers, stores, &fakeChecker{missing: map[uint][]string{1: {"B"}}}, testLogger())

	rows := rowsFor("A", "B", "A")
	rows[1].TierMismatchFlags = map[string]bool{"depot": true}
	result := &ParseResult{Rows: rows}

	first := v.Validate(context.Background(), result, []uint{1})
	second := v.Validate(context.Background(), result, []uint{1})
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestDuplicateSKUs(t *testing.T) {
	assert.Nil(t, DuplicateSKUs(rowsFor("A", "B")))
	assert.Equal(t, []string{"B", "A"}, DuplicateSKUs(rowsFor("B", "A", "B", "A")))
}
