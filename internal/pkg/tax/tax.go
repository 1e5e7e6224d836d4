// Package tax selects the indirect-tax regime for a billing address.
//
// Spain splits into two disjoint regimes: mainland IVA (21%, computed by
// Stripe Tax automatically) and the Canary Islands IGIC (7%, applied as a
// manual Stripe Tax Rate). The split is by postal code, not country.
package tax

import "regexp"

const (
	RegionMainland = "mainland"
	RegionCanary   = "canary_islands"

	ModeAutomatic = "automatic"
	ModeManual    = "manual"

	RateIVA  = 0.21
	RateIGIC = 0.07

	domesticCountry = "ES"
)

// The two Canary provinces: Las Palmas (35xxx) and Santa Cruz de Tenerife
// (38xxx).
var (
	lasPalmasPostal = regexp.MustCompile(`^35\d{3}$`)
	santaCruzPostal = regexp.MustCompile(`^38\d{3}$`)
)

// Decision is the tax regime computed for one billing attempt. It is a
// value, never persisted.
type Decision struct {
	Country     string  `json:"country"`
	PostalCode  string  `json:"postal_code"`
	Region      string  `json:"region"`
	Mode        string  `json:"mode"`
	Rate        float64 `json:"rate"`
	Description string  `json:"description"`
}

// IsCanaryPostalCode reports whether a postal code belongs to the Canary
// Islands.
func IsCanaryPostalCode(postalCode string) bool {
	if postalCode == "" {
		return false
	}
	return lasPalmasPostal.MatchString(postalCode) || santaCruzPostal.MatchString(postalCode)
}

// Resolve determines the tax regime for a billing address. Pure and total:
// non-domestic countries and malformed postal codes fail open to the
// automatic regime, never silently to the lower manual rate.
func Resolve(country, postalCode string) Decision {
	if country != domesticCountry {
		return Decision{
			Country:     country,
			PostalCode:  postalCode,
			Region:      RegionMainland,
			Mode:        ModeAutomatic,
			Description: "EU VAT via Stripe Tax",
		}
	}

	if IsCanaryPostalCode(postalCode) {
		return Decision{
			Country:     country,
			PostalCode:  postalCode,
			Region:      RegionCanary,
			Mode:        ModeManual,
			Rate:        RateIGIC,
			Description: "IGIC Canarias 7% (manual)",
		}
	}

	return Decision{
		Country:     country,
		PostalCode:  postalCode,
		Region:      RegionMainland,
		Mode:        ModeAutomatic,
		Rate:        RateIVA,
		Description: "IVA España via Stripe Tax",
	}
}
