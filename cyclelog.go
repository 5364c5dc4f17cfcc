package main

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// cycleLogger appends one pretty-printed JSON object per control cycle to a
// file, capturing everything needed to replay a decision: raw registers,
// charger snapshots, derived quantities and the actions taken.
type cycleLogger struct {
	path    string
	enabled bool
}

func newCycleLogger(path string, enabled bool) *cycleLogger {
	return &cycleLogger{path: path, enabled: enabled}
}

type cycleCalculations struct {
	Budget              CycleBudget `json:"budget"`
	AvgBatteryPowerKW   float64     `json:"avg_battery_power_kw"`
	TimeToCharged       string      `json:"time_to_charged"`
	TimeToDepleted      string      `json:"time_to_depleted"`
	BatteryPowerHistory []float64   `json:"battery_power_history"`
	MinSOC              int         `json:"min_soc"`
	BatteryCapacityKWh  float64     `json:"battery_capacity_kwh"`
}

type cycleLogEntry struct {
	TimestampUTC   string                    `json:"timestamp_utc"`
	TimestampLocal string                    `json:"timestamp_local"`
	Timezone       string                    `json:"timezone"`
	RawInverter    *RealTimeData             `json:"raw_inverter"`
	Chargers       map[string]ChargerReading `json:"chargers"`
	Decoded        InverterReading           `json:"decoded_data"`
	Calculations   cycleCalculations         `json:"calculations"`
	Actions        []ChargerAction           `json:"actions"`
}

// Write appends one cycle entry. Logging failures never disturb the control
// loop; they are reported and dropped.
func (l *cycleLogger) Write(
	now time.Time,
	loc *time.Location,
	raw *RealTimeData,
	chargers map[string]ChargerReading,
	decoded InverterReading,
	calc cycleCalculations,
	actions []ChargerAction,
) {
	if !l.enabled {
		return
	}

	if actions == nil {
		actions = []ChargerAction{}
	}
	entry := cycleLogEntry{
		TimestampUTC:   now.UTC().Format(time.RFC3339),
		TimestampLocal: now.In(loc).Format(time.RFC3339),
		Timezone:       loc.String(),
		RawInverter:    raw,
		Chargers:       chargers,
		Decoded:        decoded,
		Calculations:   calc,
		Actions:        actions,
	}

	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Printf("Failed to encode cycle log entry: %v\n", err)
		return
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Failed to open cycle log %s: %v\n", l.path, err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(payload, '\n')); err != nil {
		log.Printf("Failed to write cycle log: %v\n", err)
	}
}
