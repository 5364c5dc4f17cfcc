package governor

import (
	"fmt"
	"math"
)

// Excess returns the solar power left over after serving the house load and
// the configured safety buffer. Negative values are legal and mean the house
// alone exceeds solar production.
func Excess(solarW, houseW, bufferW float64) float64 {
	return solarW - houseW - bufferW
}

// BatteryReserve returns the power in watts to hold back from EV charging so
// the house battery can keep recharging. Non-increasing in SOC.
func BatteryReserve(soc int) float64 {
	switch {
	case soc < 75:
		return 1700
	case soc < 85:
		return 1200
	case soc < 95:
		return 700
	case soc < 99:
		return 500
	default:
		return 0
	}
}

// ChargeBudget is the power available for EV charging and its two
// constraining terms.
type ChargeBudget struct {
	// AvailableExcessW is excess plus the load the chargers already draw
	// (which excess has already paid for), minus the battery reserve.
	AvailableExcessW float64 `json:"available_excess_w"`
	// AvailableViaBusW caps the budget so the AC bus is never loaded past
	// its rating by house load plus charging.
	AvailableViaBusW float64 `json:"available_via_bus_w"`
	// AvailableForChargeW is the binding budget: min of the two terms.
	AvailableForChargeW float64 `json:"available_for_charge_w"`
}

// CalculateChargeBudget computes the charging power budget from the shared
// cycle quantities. totalChargerLoadW must be the fleet draw as sampled at
// the start of the cycle.
func CalculateChargeBudget(excessW, totalChargerLoadW, houseLoadW, busMaximumW, reserveW float64) ChargeBudget {
	availableExcess := excessW + totalChargerLoadW - reserveW
	availableViaBus := busMaximumW - (houseLoadW - totalChargerLoadW)
	return ChargeBudget{
		AvailableExcessW:    availableExcess,
		AvailableViaBusW:    availableViaBus,
		AvailableForChargeW: min(availableExcess, availableViaBus),
	}
}

// TimeToFull estimates how long until the battery reaches 100% at the given
// charge rate, formatted "HH:MM". Returns "N/A" for non-positive power or a
// battery that is already full. Linear model: energy / power.
func TimeToFull(soc int, capacityKWh, chargeKW float64) string {
	if chargeKW <= 0 || soc >= 100 {
		return "N/A"
	}
	energyKWh := float64(100-soc) / 100 * capacityKWh
	return formatHours(energyKWh / chargeKW)
}

// TimeToEmpty estimates how long until the battery drains to minSOC at the
// given discharge rate, formatted "HH:MM". Returns "N/A" for non-positive
// power or a battery already at or below the floor.
func TimeToEmpty(soc, minSOC int, capacityKWh, dischargeKW float64) string {
	if dischargeKW <= 0 || soc <= minSOC {
		return "N/A"
	}
	energyKWh := float64(soc-minSOC) / 100 * capacityKWh
	return formatHours(energyKWh / dischargeKW)
}

func formatHours(hours float64) string {
	h := int(hours)
	m := int(math.Round((hours - float64(h)) * 60))
	if m == 60 {
		h++
		m = 0
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// PowerAverage maintains a rolling average over a bounded FIFO of battery
// power samples in kW.
type PowerAverage struct {
	samples    []float64
	maxSamples int
}

// NewPowerAverage sizes the buffer so it spans windowMinutes of samples taken
// every cycleSeconds.
func NewPowerAverage(windowMinutes, cycleSeconds int) *PowerAverage {
	maxSamples := int(math.Ceil(float64(windowMinutes*60) / float64(cycleSeconds)))
	if maxSamples < 1 {
		maxSamples = 1
	}
	return &PowerAverage{maxSamples: maxSamples}
}

// Add appends a sample, evicting the oldest when the buffer is full, and
// returns the current mean. An empty buffer averages to 0.
func (a *PowerAverage) Add(kw float64) float64 {
	a.samples = append(a.samples, kw)
	if len(a.samples) > a.maxSamples {
		a.samples = a.samples[1:]
	}
	return a.Average()
}

// Average returns the mean of the buffered samples, 0 when empty.
func (a *PowerAverage) Average() float64 {
	if len(a.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range a.samples {
		sum += s
	}
	return sum / float64(len(a.samples))
}

// Len returns the number of buffered samples.
func (a *PowerAverage) Len() int { return len(a.samples) }

// Samples returns a copy of the buffered samples, oldest first.
func (a *PowerAverage) Samples() []float64 {
	out := make([]float64, len(a.samples))
	copy(out, a.samples)
	return out
}
