package main

import (
	"fmt"
	"strings"

	"github.com/solarhome/chargectl/governor"
)

// Fleet holds every charger controller in a stable order. Decisions iterate
// in insertion order so the first secondary wins ties consistently.
type Fleet struct {
	controllers map[string]*ChargerController
	order       []string
}

func NewFleet() *Fleet {
	return &Fleet{controllers: make(map[string]*ChargerController)}
}

func (f *Fleet) Add(c *ChargerController) {
	if _, ok := f.controllers[c.Name()]; !ok {
		f.order = append(f.order, c.Name())
	}
	f.controllers[c.Name()] = c
}

func (f *Fleet) Get(name string) *ChargerController {
	return f.controllers[name]
}

// Controllers returns the controllers in insertion order.
func (f *Fleet) Controllers() []*ChargerController {
	out := make([]*ChargerController, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.controllers[name])
	}
	return out
}

// TotalLoadW sums the observed draw across the fleet.
func (f *Fleet) TotalLoadW() float64 {
	var total float64
	for _, c := range f.controllers {
		total += c.LoadW()
	}
	return total
}

// PrimaryConnected reports whether any primary charger has a vehicle
// plugged in.
func (f *Fleet) PrimaryConnected() bool {
	for _, c := range f.controllers {
		if c.Primary() && c.Connected() {
			return true
		}
	}
	return false
}

// PrimaryCharging reports whether any primary charger is connected and
// actively drawing power.
func (f *Fleet) PrimaryCharging() bool {
	for _, c := range f.controllers {
		if c.Primary() && c.Connected() && c.Charging() {
			return true
		}
	}
	return false
}

// OtherSecondaries counts the secondary chargers other than the named one,
// for the minimum-rate reservation.
func (f *Fleet) OtherSecondaries(name string) int {
	count := 0
	for _, c := range f.controllers {
		if !c.Primary() && c.Name() != name {
			count++
		}
	}
	return count
}

// CycleBudget holds the shared quantities derived once per control cycle
// from the cycle-start loads. Every controller decides against the same
// budget.
type CycleBudget struct {
	ExcessW             float64 `json:"excess_w"`
	ReserveW            float64 `json:"reserve_w"`
	TotalChargerLoadW   float64 `json:"total_charger_load_w"`
	AvailableExcessW    float64 `json:"available_excess_w"`
	AvailableViaBusW    float64 `json:"available_via_bus_w"`
	AvailableForChargeW float64 `json:"available_for_charge_w"`
}

func computeCycleBudget(inv InverterReading, totalChargerLoadW, bufferW, busMaximumW float64) CycleBudget {
	excess := governor.Excess(inv.SolarPowerW, inv.HousePowerW, bufferW)
	reserve := governor.BatteryReserve(inv.BatterySOC)
	b := governor.CalculateChargeBudget(excess, totalChargerLoadW, inv.HousePowerW, busMaximumW, reserve)
	return CycleBudget{
		ExcessW:             excess,
		ReserveW:            reserve,
		TotalChargerLoadW:   totalChargerLoadW,
		AvailableExcessW:    b.AvailableExcessW,
		AvailableViaBusW:    b.AvailableViaBusW,
		AvailableForChargeW: b.AvailableForChargeW,
	}
}

// SystemStatus is the per-cycle aggregate used for the status line and the
// detailed cycle log.
type SystemStatus struct {
	Timestamp string `json:"timestamp"`

	BatterySOC          int     `json:"battery_soc"`
	BatteryVoltageV     float64 `json:"battery_voltage"`
	BatteryTemperatureC int     `json:"battery_temperature"`

	SolarW            float64 `json:"solar_production"`
	HouseW            float64 `json:"house_consumption"`
	GridImportW       float64 `json:"grid_import"`
	GridExportW       float64 `json:"grid_export"`
	BatteryChargeW    float64 `json:"battery_charge"`
	BatteryDischargeW float64 `json:"battery_discharge"`

	ReserveW            float64 `json:"battery_reserve_allocation"`
	TotalChargerW       float64 `json:"total_charger_power"`
	AvailableForChargeW float64 `json:"available_excess"`

	Chargers       []ChargerStatus `json:"chargers"`
	PrimaryActive  bool            `json:"primary_charger_active"`
	ActiveChargers []string        `json:"active_charger_names"`

	TimeToCharged  string  `json:"time_to_charged"`
	TimeToDepleted string  `json:"time_to_depleted"`
	BatteryPowerKW float64 `json:"battery_power_kw"`
	MinSOC         int     `json:"min_soc"`
}

// StatusLine renders the one-line cycle summary. Primary chargers are
// marked with an asterisk.
func (s SystemStatus) StatusLine() string {
	var timeDisplay string
	switch {
	case s.BatteryPowerKW > 0:
		timeDisplay = fmt.Sprintf("full %s (min %d%%)", s.TimeToCharged, s.MinSOC)
	case s.BatteryPowerKW < 0:
		timeDisplay = fmt.Sprintf("empty %s (min %d%%)", s.TimeToDepleted, s.MinSOC)
	default:
		timeDisplay = fmt.Sprintf("idle (min %d%%)", s.MinSOC)
	}

	var grid string
	switch {
	case s.GridImportW > 0:
		grid = fmt.Sprintf("grid imp %.1fkW", s.GridImportW/1000)
	case s.GridExportW > 0:
		grid = fmt.Sprintf("grid exp %.1fkW", s.GridExportW/1000)
	default:
		grid = "grid 0.0kW"
	}

	chargers := make([]string, 0, len(s.Chargers))
	for _, c := range s.Chargers {
		name := c.Name
		if c.Primary {
			name += "*"
		}
		state := "off"
		switch {
		case !c.Connected:
			state = "n/c"
		case c.Charging:
			state = "chg"
		case c.ProposedOn:
			state = "on"
		}
		chargers = append(chargers, fmt.Sprintf("%s: %s %dA/%.1fkW", name, state, c.CurrentA, c.PowerW/1000))
	}

	parts := []string{
		fmt.Sprintf("[%s]", s.Timestamp),
		fmt.Sprintf("batt %d%% (%+.1fkW, %dC)", s.BatterySOC, s.BatteryPowerKW, s.BatteryTemperatureC),
		timeDisplay,
		fmt.Sprintf("reserve %.1fkW", s.ReserveW/1000),
		fmt.Sprintf("solar %.1fkW", s.SolarW/1000),
		fmt.Sprintf("house %.1fkW", s.HouseW/1000),
		grid,
		fmt.Sprintf("avail %.1fkW", s.AvailableForChargeW/1000),
		strings.Join(chargers, " | "),
	}
	return strings.Join(parts, " | ")
}

func buildSystemStatus(
	timestamp string,
	inv InverterReading,
	budget CycleBudget,
	statuses []ChargerStatus,
	timeToCharged, timeToDepleted string,
	avgBatteryKW float64,
	minSOC int,
) SystemStatus {
	var active []string
	primaryActive := false
	for _, st := range statuses {
		if st.ProposedOn && st.Connected {
			active = append(active, st.Name)
			if st.Primary {
				primaryActive = true
			}
		}
	}

	return SystemStatus{
		Timestamp:           timestamp,
		BatterySOC:          inv.BatterySOC,
		BatteryVoltageV:     inv.BatteryVoltageV,
		BatteryTemperatureC: inv.BatteryTemperatureC,
		SolarW:              inv.SolarPowerW,
		HouseW:              inv.HousePowerW,
		GridImportW:         inv.FromGridW,
		GridExportW:         inv.ToGridW,
		BatteryChargeW:      inv.ToBatteryW,
		BatteryDischargeW:   inv.FromBatteryW,
		ReserveW:            budget.ReserveW,
		TotalChargerW:       budget.TotalChargerLoadW,
		AvailableForChargeW: budget.AvailableForChargeW,
		Chargers:            statuses,
		PrimaryActive:       primaryActive,
		ActiveChargers:      active,
		TimeToCharged:       timeToCharged,
		TimeToDepleted:      timeToDepleted,
		BatteryPowerKW:      avgBatteryKW,
		MinSOC:              minSOC,
	}
}
