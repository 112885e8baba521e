// Package forecast defines the Provider interface for current-weather
// lookups used by the morning greeting.
//
// Values are categorical codes as published by the Korea Meteorological
// Administration ultra-short-term forecast. They are passed to the language
// model together with a legend rather than interpreted here.
package forecast

import (
	"context"
	"fmt"
	"time"
)

// Conditions is one forecast slot for a fixed location.
type Conditions struct {
	// At is the forecast time the values apply to.
	At time.Time

	// Lightning (LGT): energy density of lightning strikes, kA/km².
	Lightning string
	// Precipitation (PTY): 0 none, 1 rain, 2 rain/snow, 3 snow, 5 drizzle,
	// 6 drizzle/snow flurries, 7 snow flurries.
	Precipitation string
	// Rainfall (RN1): precipitation over one hour, mm.
	Rainfall string
	// Sky (SKY): 1 clear, 3 mostly cloudy, 4 overcast.
	Sky string
	// Temperature (T1H): °C.
	Temperature string
	// WindSpeed (WSD): m/s.
	WindSpeed string
}

// Legend explains the category codes in [Conditions.String] for a prompt.
const Legend = `LGT is lightning energy density (kA/km²).
PTY is precipitation type: none(0), rain(1), rain/snow(2), snow(3), drizzle(5), drizzle/snow flurries(6), snow flurries(7).
RN1 is precipitation over one hour (mm).
SKY is sky condition: clear(1), mostly cloudy(3), overcast(4).
T1H is temperature (°C).
WSD is wind speed (m/s).`

// String renders the values in the category notation used by [Legend].
func (c Conditions) String() string {
	return fmt.Sprintf("LGT: %s, PTY: %s, RN1: %s, SKY: %s, T1H: %s, WSD: %s",
		c.Lightning, c.Precipitation, c.Rainfall, c.Sky, c.Temperature, c.WindSpeed)
}

// Provider is the abstraction over any forecast backend. The location is
// fixed at construction.
type Provider interface {
	// Current returns the forecast slot nearest to at.
	Current(ctx context.Context, at time.Time) (Conditions, error)
}
