package medication

import "time"

// InventoryRecord tracks the on-hand supply for one prescription.
// CurrentQuantity never drops below zero; over-consumption is recorded as
// an anomaly instead.
type InventoryRecord struct {
	PrescriptionID          string     `json:"prescription_id"`
	CurrentQuantity         float64    `json:"current_quantity"`
	LowStockThreshold       float64    `json:"low_stock_threshold"`
	LastRefillDate          *time.Time `json:"last_refill_date,omitempty"`
	RefillQuantityIncrement float64    `json:"refill_quantity_increment"`
	RefillLeadDays          int        `json:"refill_lead_days"`
	AnomalyAt               *time.Time `json:"anomaly_at,omitempty"`
	AnomalyShortfall        float64    `json:"anomaly_shortfall,omitempty"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// IsLowStock reports whether the quantity is at or below the threshold
func (r *InventoryRecord) IsLowStock() bool {
	return r.CurrentQuantity <= r.LowStockThreshold
}

// Clone returns a copy safe to mutate
func (r *InventoryRecord) Clone() *InventoryRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastRefillDate != nil {
		t := *r.LastRefillDate
		c.LastRefillDate = &t
	}
	if r.AnomalyAt != nil {
		t := *r.AnomalyAt
		c.AnomalyAt = &t
	}
	return &c
}
