package main

import (
	"log"
	"math"
	"strings"
)

// PowerFilter screens spurious power readings from the inverter. The vendor
// firmware occasionally returns garbage registers (tens of megawatts); any
// power value whose magnitude exceeds the threshold is replaced by the last
// value that passed for the same metric, or zero if none has yet.
//
// Last-good values persist for the process lifetime. Not safe for concurrent
// use; the control loop owns it.
type PowerFilter struct {
	thresholdW float64
	lastGood   map[string]float64
}

func NewPowerFilter(thresholdW float64) *PowerFilter {
	return &PowerFilter{
		thresholdW: thresholdW,
		lastGood:   make(map[string]float64),
	}
}

// isPowerMetric reports whether a metric key belongs to the power family the
// filter applies to. Voltage, current, temperature and energy metrics pass
// through unfiltered.
func isPowerMetric(key string) bool {
	return strings.HasPrefix(key, "Power/") ||
		strings.HasPrefix(key, "String") ||
		strings.HasPrefix(key, "AC/Power")
}

// Validate admits or substitutes one reading. In-range power values are
// recorded as the new last-good for their key.
func (f *PowerFilter) Validate(key string, value float64) float64 {
	if !isPowerMetric(key) {
		return value
	}
	if math.Abs(value) > f.thresholdW {
		if last, ok := f.lastGood[key]; ok {
			log.Printf("Warning: spurious %s reading %.0fW exceeds threshold %.0fW, using last valid %.0fW\n",
				key, value, f.thresholdW, last)
			return last
		}
		log.Printf("Warning: spurious %s reading %.0fW exceeds threshold %.0fW, no previous value, using 0W\n",
			key, value, f.thresholdW)
		return 0
	}
	f.lastGood[key] = value
	return value
}
