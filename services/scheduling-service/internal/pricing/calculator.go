// Package pricing turns an appointment's service lines into monetary totals
// and a total duration. Quote is a pure function; rounding to cents happens
// at the response boundary, never here.
package pricing

import (
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/apperr"
	"github.com/formonexsolutions/onesalon-erp-2.0-sub000/services/scheduling-service/internal/model"
)

// DiscountSpec is either a percentage of the subtotal or a flat amount.
// Percentage takes precedence when both are set.
type DiscountSpec struct {
	Percentage float64
	FlatAmount float64
}

type Quote struct {
	Subtotal             float64
	DiscountAmount       float64
	Tax                  float64
	Total                float64
	TotalDurationMinutes int
}

// Calculate sums line and addon prices into a subtotal, applies the discount
// clamped to [0, subtotal], adds tax computed from taxRatePercent on the
// discounted amount, and sums durations.
func Calculate(lines []model.ServiceLine, discount DiscountSpec, taxRatePercent float64) (Quote, error) {
	if len(lines) == 0 {
		return Quote{}, apperr.Validation("at least one service line is required")
	}
	if discount.Percentage < 0 || discount.FlatAmount < 0 {
		return Quote{}, apperr.Validation("discount must not be negative")
	}
	if taxRatePercent < 0 {
		return Quote{}, apperr.Validation("tax rate must not be negative")
	}

	var q Quote
	for i, l := range lines {
		if l.Price < 0 {
			return Quote{}, apperr.Validation("service line %d: negative price", i)
		}
		if l.DurationMinutes < 0 {
			return Quote{}, apperr.Validation("service line %d: negative duration", i)
		}
		q.Subtotal += l.Price
		q.TotalDurationMinutes += l.DurationMinutes
		for j, a := range l.Addons {
			if a.Price < 0 {
				return Quote{}, apperr.Validation("service line %d addon %d: negative price", i, j)
			}
			if a.DurationMinutes < 0 {
				return Quote{}, apperr.Validation("service line %d addon %d: negative duration", i, j)
			}
			q.Subtotal += a.Price
			q.TotalDurationMinutes += a.DurationMinutes
		}
	}

	if discount.Percentage > 0 {
		q.DiscountAmount = q.Subtotal * discount.Percentage / 100
	} else {
		q.DiscountAmount = discount.FlatAmount
	}
	if q.DiscountAmount > q.Subtotal {
		q.DiscountAmount = q.Subtotal
	}

	q.Tax = (q.Subtotal - q.DiscountAmount) * taxRatePercent / 100
	q.Total = q.Subtotal - q.DiscountAmount + q.Tax
	return q, nil
}
