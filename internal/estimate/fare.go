package estimate

import (
	"errors"
	"math"
	"strings"
)

// Vehicle types.
const (
	VehicleX  = "X"
	VehicleXL = "XL"
)

var ErrInvalidVehicleType = errors.New("vehicle type must be X or XL")

// ParseVehicleType normalizes a requested vehicle type. Empty means X.
func ParseVehicleType(s string) (string, error) {
	switch v := strings.ToUpper(strings.TrimSpace(s)); v {
	case "", VehicleX:
		return VehicleX, nil
	case VehicleXL:
		return VehicleXL, nil
	default:
		return "", ErrInvalidVehicleType
	}
}

// FareConfig holds the tariff.
type FareConfig struct {
	BaseFare    float64
	PerKM       float64
	XLSurcharge float64
	PetFee      float64
}

// DefaultFare is the standard tariff.
var DefaultFare = FareConfig{BaseFare: 4.25, PerKM: 1.70, XLSurcharge: 0.35, PetFee: 7.5}

// Fare is a priced trip.
type Fare struct {
	BaseFare    float64 `json:"base_fare"`
	PerKM       float64 `json:"per_km"`
	XLSurcharge float64 `json:"xl_surcharge"`
	PetFee      float64 `json:"pet_fee"`
	DistanceKM  float64 `json:"distance_km"`
	Total       float64 `json:"total"`
}

// Calculate prices distanceKM. XL vehicles pay a per-km surcharge; the pet fee
// is added after rounding.
func (c FareConfig) Calculate(distanceKM float64, vehicleType string, pet bool) Fare {
	perKM := c.PerKM
	if vehicleType == VehicleXL {
		perKM += c.XLSurcharge
	}
	total := round2(c.BaseFare + distanceKM*perKM)
	if pet {
		total += c.PetFee
	}
	return Fare{
		BaseFare:    c.BaseFare,
		PerKM:       perKM,
		XLSurcharge: c.XLSurcharge,
		PetFee:      c.PetFee,
		DistanceKM:  distanceKM,
		Total:       total,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
