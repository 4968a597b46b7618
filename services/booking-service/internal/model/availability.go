package model

import (
	"time"

	"github.com/slotchain/slotchain/services/booking-service/internal/availability"
)

// ProviderAvailability is what a provider saves; slots are regenerated from it.
type ProviderAvailability struct {
	ProviderID      string                     `json:"provider_id"`
	Timezone        string                     `json:"timezone"`
	IntervalMinutes int                        `json:"interval"`
	Pattern         availability.WeeklyPattern `json:"weekly"`
	Exclusions      availability.DateRangeSet  `json:"unavailable_ranges"`
	WindowStart     availability.Date          `json:"window_start"`
	WindowEnd       availability.Date          `json:"window_end"`
	OpenEnded       bool                       `json:"infinite"`
	Price           Money                      `json:"price"`
	PayoutAccount   string                     `json:"payout_account"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

func (p ProviderAvailability) Location() (*time.Location, error) {
	if p.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Timezone)
}
