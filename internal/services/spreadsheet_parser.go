package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"

	"pricing-sync-service/internal/models"
	"pricing-sync-service/internal/pricing"
)

// ParseError is a spreadsheet problem that makes the whole upload unusable
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// ColumnMapping names the spreadsheet header of each field. Matching ignores case.
type ColumnMapping struct {
	SKU          string            `json:"sku"`
	Name         string            `json:"name"`
	RegularPrice string            `json:"regularPrice"`
	Quantity     string            `json:"quantity"`
	Tiers        map[string]string `json:"tiers"`
}

// headers accepted in place of the default ones
var columnAliases = map[string][]string{
	"sku":           {"product code", "code", "model"},
	"regular price": {"price", "regular_price", "retail price"},
	"quantity":      {"qty", "stock", "stock quantity"},
}

// SkippedRow is a row dropped for missing required data
type SkippedRow struct {
	Row    int    `json:"row"`
	SKU    string `json:"sku,omitempty"`
	Reason string `json:"reason"`
}

// ParseResult is the normalized content of an upload
type ParseResult struct {
	Filename string              `json:"filename"`
	Rows     []models.ProductRow `json:"rows"`
	Skipped  []SkippedRow        `json:"skipped,omitempty"`
}

// SpreadsheetParser turns uploaded price lists into product rows
type SpreadsheetParser struct {
	tiers []models.Tier
}

// NewSpreadsheetParser creates a parser for the configured tiers
func NewSpreadsheetParser(tiers []models.Tier) *SpreadsheetParser {
	return &SpreadsheetParser{tiers: tiers}
}

// Tiers returns the configured tiers in order
func (p *SpreadsheetParser) Tiers() []models.Tier {
	return p.tiers
}

// DefaultColumnMapping returns the mapping used when the client sends none
func (p *SpreadsheetParser) DefaultColumnMapping() ColumnMapping {
	mapping := ColumnMapping{
		SKU:          "sku",
		Name:         "name",
		RegularPrice: "regular price",
		Quantity:     "quantity",
		Tiers:        make(map[string]string, len(p.tiers)),
	}
	for _, tier := range p.tiers {
		mapping.Tiers[tier.Name] = tier.Name + " price"
	}
	return mapping
}

// Parse reads an xlsx or csv file. Rows without a SKU or with an invalid
// regular price are skipped and reported in the result.
func (p *SpreadsheetParser) Parse(filename string, data []byte, mapping *ColumnMapping) (*ParseResult, error) {
	table, err := readTable(filename, data)
	if err != nil {
		return nil, err
	}
	if len(table) == 0 {
		return nil, &ParseError{Message: "Spreadsheet is empty"}
	}

	m := p.DefaultColumnMapping()
	if mapping != nil {
		m = mergeMapping(m, *mapping)
	}

	headers := make([]string, len(table[0]))
	for i, h := range table[0] {
		headers[i] = normalizeHeader(h)
	}

	skuCol := locateColumn(headers, m.SKU)
	if skuCol < 0 {
		return nil, &ParseError{Message: fmt.Sprintf("Could not find the SKU column (expected a %q header)", m.SKU)}
	}
	priceCol := locateColumn(headers, m.RegularPrice)
	if priceCol < 0 {
		return nil, &ParseError{Message: fmt.Sprintf("Could not find the regular price column (expected a %q header)", m.RegularPrice)}
	}
	nameCol := locateColumn(headers, m.Name)
	qtyCol := locateColumn(headers, m.Quantity)
	tierCols := make(map[string]int, len(p.tiers))
	for _, tier := range p.tiers {
		tierCols[tier.Name] = locateColumn(headers, m.Tiers[tier.Name])
	}

	result := &ParseResult{Filename: filename}
	dataRows := 0

	for idx, record := range table[1:] {
		if isBlank(record) {
			continue
		}
		dataRows++
		rowNum := idx + 2

		sku := cell(record, skuCol)
		if sku == "" {
			result.Skipped = append(result.Skipped, SkippedRow{Row: rowNum, Reason: "missing SKU"})
			continue
		}

		regular, err := parseNumber(cell(record, priceCol))
		if err != nil || regular < 0 {
			result.Skipped = append(result.Skipped, SkippedRow{Row: rowNum, SKU: sku, Reason: "invalid regular price"})
			continue
		}

		row := models.ProductRow{
			SKU:               sku,
			Name:              cell(record, nameCol),
			RegularPrice:      regular,
			TierPrices:        make(map[string]float64, len(p.tiers)),
			SourceRowIndex:    rowNum,
			TierMismatchFlags: make(map[string]bool),
		}

		if qty, err := parseNumber(cell(record, qtyCol)); err == nil && qty >= 0 && qty == math.Trunc(qty) {
			q := int(qty)
			row.Quantity = &q
		}

		for _, tier := range p.tiers {
			supplied, err := parseNumber(cell(record, tierCols[tier.Name]))
			if err != nil || supplied < 0 {
				row.TierPrices[tier.Name] = pricing.TierPrice(regular, tier.DiscountPercentage)
				continue
			}
			row.TierPrices[tier.Name] = supplied
			if !pricing.IsValidTierPrice(regular, tier.DiscountPercentage, supplied) {
				row.TierMismatchFlags[tier.Name] = true
			}
		}

		result.Rows = append(result.Rows, row)
	}

	if dataRows == 0 {
		return nil, &ParseError{Message: "Spreadsheet has no data rows below the header"}
	}

	return result, nil
}

func readTable(filename string, data []byte) ([][]string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case ext == ".csv":
		return readCSV(data)
	case ext == ".xlsx" || ext == ".xlsm" || bytes.HasPrefix(data, []byte("PK")):
		return readXLSX(data)
	case ext == ".xls":
		return nil, &ParseError{Message: "Legacy .xls files are not supported, save the sheet as .xlsx or .csv"}
	default:
		return readCSV(data)
	}
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("Could not open the workbook: %v", err)}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &ParseError{Message: "Workbook has no sheets"}
	}

	sheetName := sheets[0]
	for _, name := range sheets {
		if strings.EqualFold(name, "Prices") || strings.EqualFold(name, "Products") {
			sheetName = name
			break
		}
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("Could not read sheet %q: %v", sheetName, err)}
	}
	return rows, nil
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Message: fmt.Sprintf("Could not read CSV line %d: %v", len(rows)+1, err)}
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func mergeMapping(base, override ColumnMapping) ColumnMapping {
	if override.SKU != "" {
		base.SKU = override.SKU
	}
	if override.Name != "" {
		base.Name = override.Name
	}
	if override.RegularPrice != "" {
		base.RegularPrice = override.RegularPrice
	}
	if override.Quantity != "" {
		base.Quantity = override.Quantity
	}
	for tier, header := range override.Tiers {
		if header != "" {
			base.Tiers[strings.ToLower(tier)] = header
		}
	}
	return base
}

func normalizeHeader(h string) string {
	h = strings.TrimSpace(strings.ToLower(h))
	return strings.TrimSpace(strings.TrimSuffix(h, "*"))
}

func locateColumn(headers []string, name string) int {
	if name == "" {
		return -1
	}
	want := normalizeHeader(name)
	candidates := append([]string{want}, columnAliases[want]...)
	for _, candidate := range candidates {
		for i, h := range headers {
			if h == candidate {
				return i
			}
		}
	}
	return -1
}

func cell(record []string, col int) string {
	if col < 0 || col >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[col])
}

func isBlank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

var numberCleaner = strings.NewReplacer(",", "", " ", "", "\u00a0", "")

// parseNumber accepts currency prefixes and thousands separators ("R 1,999.00")
func parseNumber(raw string) (float64, error) {
	s := strings.TrimLeftFunc(strings.TrimSpace(raw), func(r rune) bool {
		return !unicode.IsDigit(r) && r != '-' && r != '.'
	})
	s = numberCleaner.Replace(s)
	if s == "" {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a number: %q", raw)
	}
	return v, nil
}
