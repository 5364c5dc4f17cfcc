package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildTestFleet() (*Fleet, *ChargerController, *ChargerController) {
	client := newFakeChargerClient()
	policy := controllerPolicy()
	primary := NewChargerController("Garage", chargerCfg(true), policy, client)
	secondary := NewChargerController("Porch", chargerCfg(false), policy, client)
	fleet := NewFleet()
	fleet.Add(primary)
	fleet.Add(secondary)
	return fleet, primary, secondary
}

func TestFleetTotalLoad(t *testing.T) {
	fleet, primary, secondary := buildTestFleet()
	primary.Update(connectedReading("Garage", 1, 24, true, 5500))
	secondary.Update(connectedReading("Porch", 2, 6, true, 1400))

	assert.Equal(t, 6900.0, fleet.TotalLoadW())
}

func TestFleetPrimaryPredicates(t *testing.T) {
	fleet, primary, _ := buildTestFleet()

	assert.False(t, fleet.PrimaryConnected())
	assert.False(t, fleet.PrimaryCharging())

	// Plugged in but idle: connected, not charging.
	primary.Update(connectedReading("Garage", 1, 6, false, 0))
	assert.True(t, fleet.PrimaryConnected())
	assert.False(t, fleet.PrimaryCharging())

	primary.Update(connectedReading("Garage", 1, 24, true, 5500))
	assert.True(t, fleet.PrimaryCharging())
}

func TestFleetOtherSecondaries(t *testing.T) {
	fleet, _, _ := buildTestFleet()
	assert.Equal(t, 0, fleet.OtherSecondaries("Porch"))
	assert.Equal(t, 1, fleet.OtherSecondaries("Garage"), "Garage is primary, Porch counts")

	client := newFakeChargerClient()
	fleet.Add(NewChargerController("Drive", chargerCfg(false), controllerPolicy(), client))
	assert.Equal(t, 1, fleet.OtherSecondaries("Porch"))
}

func TestFleetControllersKeepOrder(t *testing.T) {
	fleet, _, _ := buildTestFleet()
	names := []string{}
	for _, c := range fleet.Controllers() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"Garage", "Porch"}, names)
}

func TestComputeCycleBudget(t *testing.T) {
	inv := InverterReading{SolarPowerW: 8000, HousePowerW: 2000, BatterySOC: 90}
	budget := computeCycleBudget(inv, 1440, 100, 7000)

	// excess = 8000 - 2000 - 100 = 5900, reserve(90) = 700
	assert.Equal(t, 5900.0, budget.ExcessW)
	assert.Equal(t, 700.0, budget.ReserveW)
	assert.Equal(t, 1440.0, budget.TotalChargerLoadW)
	// available_excess = 5900 + 1440 - 700 = 6640
	assert.Equal(t, 6640.0, budget.AvailableExcessW)
	// available_via_bus = 7000 - (2000 - 1440) = 6440 -> binding
	assert.Equal(t, 6440.0, budget.AvailableViaBusW)
	assert.Equal(t, 6440.0, budget.AvailableForChargeW)
}

func TestStatusLine(t *testing.T) {
	status := SystemStatus{
		Timestamp:           "15:04:05",
		BatterySOC:          90,
		BatteryTemperatureC: 21,
		BatteryPowerKW:      1.2,
		SolarW:              8000,
		HouseW:              1200,
		GridExportW:         300,
		ReserveW:            700,
		AvailableForChargeW: 5800,
		TimeToCharged:       "02:15",
		MinSOC:              30,
		Chargers: []ChargerStatus{
			{Name: "Garage", Primary: true, Connected: true, Charging: true, CurrentA: 24, PowerW: 5500},
			{Name: "Porch", Connected: false, CurrentA: 6},
		},
	}

	line := status.StatusLine()
	assert.Contains(t, line, "[15:04:05]")
	assert.Contains(t, line, "batt 90% (+1.2kW, 21C)")
	assert.Contains(t, line, "full 02:15 (min 30%)")
	assert.Contains(t, line, "grid exp 0.3kW")
	assert.Contains(t, line, "Garage*: chg 24A/5.5kW")
	assert.Contains(t, line, "Porch: n/c 6A/0.0kW")
}

func TestBuildSystemStatusActives(t *testing.T) {
	statuses := []ChargerStatus{
		{Name: "Garage", Primary: true, Connected: true, ProposedOn: true},
		{Name: "Porch", Connected: true, ProposedOn: false},
		{Name: "Drive", Connected: false, ProposedOn: true},
	}
	s := buildSystemStatus("12:00:00", InverterReading{}, CycleBudget{}, statuses, "N/A", "N/A", 0, 30)

	assert.Equal(t, []string{"Garage"}, s.ActiveChargers, "disconnected chargers are never active")
	assert.True(t, s.PrimaryActive)
}
