package models

// Tier is a named discount class mapped to an OpenCart customer group
type Tier struct {
	Name               string  `json:"name"`
	DiscountPercentage float64 `json:"discountPercentage"`
	CustomerGroupID    uint    `json:"customerGroupId,omitempty"`
}

// ProductRow is one normalized spreadsheet row
type ProductRow struct {
	SKU               string             `json:"sku"`
	Name              string             `json:"name,omitempty"`
	RegularPrice      float64            `json:"regularPrice"`
	TierPrices        map[string]float64 `json:"tierPrices"`
	Quantity          *int               `json:"quantity,omitempty"`
	SourceRowIndex    int                `json:"sourceRowIndex"`
	TierMismatchFlags map[string]bool    `json:"tierMismatchFlags"`
}

// HasMismatch reports whether the supplied price for tier disagrees with the calculated one
func (r *ProductRow) HasMismatch(tier string) bool {
	return r.TierMismatchFlags[tier]
}

// UpdateOptions selects which fields a job writes
type UpdateOptions struct {
	UpdateRegularPrices bool            `json:"updateRegularPrices"`
	UpdateTierPrices    map[string]bool `json:"updateTierPrices"`
	UpdateQuantities    bool            `json:"updateQuantities"`
}

// Enabled reports whether any field is selected
func (o UpdateOptions) Enabled() bool {
	if o.UpdateRegularPrices || o.UpdateQuantities {
		return true
	}
	for _, on := range o.UpdateTierPrices {
		if on {
			return true
		}
	}
	return false
}

// UpdateFields are the values to write for one product. Nil/absent means leave untouched.
type UpdateFields struct {
	RegularPrice *float64
	Quantity     *int
	TierPrices   map[string]float64
}

// IsEmpty reports whether there is nothing to write
func (f UpdateFields) IsEmpty() bool {
	return f.RegularPrice == nil && f.Quantity == nil && len(f.TierPrices) == 0
}

// FieldsFor restricts a row to the fields enabled by the options
func (o UpdateOptions) FieldsFor(row ProductRow) UpdateFields {
	var fields UpdateFields
	if o.UpdateRegularPrices {
		price := row.RegularPrice
		fields.RegularPrice = &price
	}
	if o.UpdateQuantities && row.Quantity != nil {
		qty := *row.Quantity
		fields.Quantity = &qty
	}
	for tier, on := range o.UpdateTierPrices {
		if !on {
			continue
		}
		if price, ok := row.TierPrices[tier]; ok {
			if fields.TierPrices == nil {
				fields.TierPrices = make(map[string]float64)
			}
			fields.TierPrices[tier] = price
		}
	}
	return fields
}

// ProductValues are the price/quantity fields of one OpenCart product.
// TierPrices is keyed by customer group id.
type ProductValues struct {
	RegularPrice float64          `json:"regularPrice"`
	Quantity     int              `json:"quantity"`
	TierPrices   map[uint]float64 `json:"tierPrices"`
}
