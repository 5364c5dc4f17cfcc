package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarhome/chargectl/governor"
)

type setCall struct {
	deviceGID int
	on        bool
	rateA     int
}

// fakeChargerClient records SetCharger calls. Unless applySets is false, a
// command is reflected in subsequent ListChargers responses the way a
// well-behaved cloud API would.
type fakeChargerClient struct {
	readings  map[string]ChargerReading
	setCalls  []setCall
	setErr    error
	applySets bool
}

func newFakeChargerClient(readings ...ChargerReading) *fakeChargerClient {
	m := make(map[string]ChargerReading)
	for _, r := range readings {
		m[r.Name] = r
	}
	return &fakeChargerClient{readings: m, applySets: true}
}

func (f *fakeChargerClient) ListChargers(ctx context.Context) (map[string]ChargerReading, error) {
	out := make(map[string]ChargerReading, len(f.readings))
	for k, v := range f.readings {
		out[k] = v
	}
	return out, nil
}

func (f *fakeChargerClient) SetCharger(ctx context.Context, deviceGID int, on bool, rateA int) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.setCalls = append(f.setCalls, setCall{deviceGID, on, rateA})
	if f.applySets {
		for name, r := range f.readings {
			if r.DeviceGID == deviceGID {
				r.On = on
				r.CurrentA = rateA
				f.readings[name] = r
			}
		}
	}
	return nil
}

func controllerPolicy() *governor.TimePolicy {
	return governor.NewTimePolicy(governor.TimePolicyConfig{
		DayOpen:          11 * 60,
		DayClose:         18 * 60,
		FixedStart:       10,
		FixedEnd:         6 * 60,
		FixedCurrent:     40,
		ExcessThresholdW: 1440,
		SOCThreshold:     85,
		MinCurrent:       6,
		MaxCurrent:       30,
		Location:         time.UTC,
	})
}

func chargerCfg(primary bool) ChargerConfig {
	return ChargerConfig{MinCurrentA: 6, MaxCurrentA: 30, VoltageV: 240, Primary: primary}
}

func connectedReading(name string, gid, currentA int, on bool, powerW float64) ChargerReading {
	msg := "Connected to EV"
	if powerW > chargingLoadThresholdW {
		msg = "Charging"
	}
	return ChargerReading{
		Name: name, DeviceGID: gid, PowerW: powerW,
		CurrentA: currentA, On: on, Message: msg,
	}
}

func budgetWith(availableW float64) CycleBudget {
	return CycleBudget{
		ExcessW:             availableW,
		ReserveW:            0,
		AvailableExcessW:    availableW,
		AvailableViaBusW:    availableW,
		AvailableForChargeW: availableW,
	}
}

// 08:00 is outside both the overnight and daytime windows, so decisions fall
// through to the power budget.
func powerBranchTime() time.Time {
	return time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
}

func TestPrimaryTracksBudget(t *testing.T) {
	client := newFakeChargerClient(connectedReading("Garage", 1, 16, true, 3800))
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(client.readings["Garage"])

	status, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)

	require.NotNil(t, action)
	assert.Equal(t, "current_change", action.ActionType)
	assert.Equal(t, 16, action.OldCurrent)
	assert.Equal(t, 20, action.NewCurrent, "round(4800/240)")
	assert.Equal(t, 20, status.ProposedA)
	assert.True(t, status.ProposedOn)
	require.Len(t, client.setCalls, 1)
	assert.Equal(t, setCall{1, true, 20}, client.setCalls[0])

	// Verification re-read adopted the new state.
	assert.Equal(t, 20, c.CurrentA())
	assert.True(t, c.On())
}

func TestPrimaryClampsToMax(t *testing.T) {
	client := newFakeChargerClient(connectedReading("Garage", 1, 16, true, 3800))
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(client.readings["Garage"])

	status, _ := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(20000), fleet)
	assert.Equal(t, 30, status.ProposedA)
	assert.True(t, status.ProposedOn)
}

func TestPrimaryPausesBelowMinimum(t *testing.T) {
	client := newFakeChargerClient(connectedReading("Garage", 1, 16, true, 3800))
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(client.readings["Garage"])

	// round(1000/240) = 4 < 6: pause instead of drawing from the grid.
	status, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(1000), fleet)

	require.NotNil(t, action)
	assert.Equal(t, "state_change", action.ActionType)
	assert.False(t, action.NewOn)
	assert.Equal(t, 6, status.ProposedA)
	assert.False(t, status.ProposedOn)
}

func TestUnrestrictedWindowOverridesBudget(t *testing.T) {
	client := newFakeChargerClient(connectedReading("Garage", 1, 16, true, 3800))
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(client.readings["Garage"])

	// 02:00, deep deficit: the fixed window still charges at the fixed
	// current, which may exceed the daytime clamp.
	night := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	status, action := c.Decide(context.Background(), night, InverterReading{BatterySOC: 20}, budgetWith(-5000), fleet)

	require.NotNil(t, action)
	assert.Equal(t, 40, status.ProposedA)
	assert.True(t, status.ProposedOn)
	assert.Contains(t, action.Reason, "unrestricted charging")
}

func TestSecondaryYieldsToChargingPrimary(t *testing.T) {
	primaryReading := connectedReading("Garage", 1, 24, true, 5500)
	secondaryReading := connectedReading("Porch", 2, 16, true, 0)
	client := newFakeChargerClient(primaryReading, secondaryReading)

	policy := controllerPolicy()
	primary := NewChargerController("Garage", chargerCfg(true), policy, client)
	secondary := NewChargerController("Porch", chargerCfg(false), policy, client)
	fleet := NewFleet()
	fleet.Add(primary)
	fleet.Add(secondary)
	primary.Update(primaryReading)
	secondary.Update(secondaryReading)

	status, action := secondary.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(6000), fleet)

	require.NotNil(t, action)
	assert.Equal(t, 6, status.ProposedA, "secondary limited to minimum while primary charges")
	assert.True(t, status.ProposedOn)
}

func TestSecondaryTakesBudgetWhenPrimaryIdle(t *testing.T) {
	primaryReading := connectedReading("Garage", 1, 6, false, 0)
	secondaryReading := connectedReading("Porch", 2, 6, true, 0)
	client := newFakeChargerClient(primaryReading, secondaryReading)

	policy := controllerPolicy()
	primary := NewChargerController("Garage", chargerCfg(true), policy, client)
	secondary := NewChargerController("Porch", chargerCfg(false), policy, client)
	fleet := NewFleet()
	fleet.Add(primary)
	fleet.Add(secondary)
	primary.Update(primaryReading)
	secondary.Update(secondaryReading)

	// Sole secondary: no reservation, full budget. round(4800/240) = 20.
	status, _ := secondary.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)
	assert.Equal(t, 20, status.ProposedA)
	assert.True(t, status.ProposedOn)
}

func TestSecondaryReservesForOtherSecondaries(t *testing.T) {
	primaryReading := connectedReading("Garage", 1, 6, false, 0)
	s1Reading := connectedReading("Porch", 2, 6, true, 0)
	s2Reading := connectedReading("Drive", 3, 6, true, 0)
	client := newFakeChargerClient(primaryReading, s1Reading, s2Reading)

	policy := controllerPolicy()
	fleet := NewFleet()
	primary := NewChargerController("Garage", chargerCfg(true), policy, client)
	s1 := NewChargerController("Porch", chargerCfg(false), policy, client)
	s2 := NewChargerController("Drive", chargerCfg(false), policy, client)
	fleet.Add(primary)
	fleet.Add(s1)
	fleet.Add(s2)
	primary.Update(primaryReading)
	s1.Update(s1Reading)
	s2.Update(s2Reading)

	// One other secondary reserves 6A x 240V = 1440W.
	// round((4800-1440)/240) = 14.
	status, _ := s1.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)
	assert.Equal(t, 14, status.ProposedA)
	assert.True(t, status.ProposedOn)
}

func TestSecondaryFloorsAtMinimumEnabled(t *testing.T) {
	primaryReading := connectedReading("Garage", 1, 6, false, 0)
	secondaryReading := connectedReading("Porch", 2, 16, true, 0)
	client := newFakeChargerClient(primaryReading, secondaryReading)

	policy := controllerPolicy()
	primary := NewChargerController("Garage", chargerCfg(true), policy, client)
	secondary := NewChargerController("Porch", chargerCfg(false), policy, client)
	fleet := NewFleet()
	fleet.Add(primary)
	fleet.Add(secondary)
	primary.Update(primaryReading)
	secondary.Update(secondaryReading)

	// A secondary never pauses: below minimum it stays enabled at minimum.
	status, _ := secondary.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(500), fleet)
	assert.Equal(t, 6, status.ProposedA)
	assert.True(t, status.ProposedOn)
}

func TestDisconnectedChargerNotCommanded(t *testing.T) {
	reading := ChargerReading{Name: "Garage", DeviceGID: 1, CurrentA: 16, On: true, Message: "No Vehicle"}
	client := newFakeChargerClient(reading)
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(reading)

	status, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)

	assert.Nil(t, action)
	assert.Empty(t, client.setCalls)
	assert.False(t, status.Connected)
	assert.Equal(t, 16, status.ProposedA, "observed state reported unchanged")
}

func TestStaleTelemetryNotCommanded(t *testing.T) {
	reading := connectedReading("Garage", 1, 16, true, 3800)
	client := newFakeChargerClient(reading)
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(reading)

	// The charger dropped out of a fleet read: the controller reports its
	// last observation but issues no commands from it.
	c.MarkStale()
	status, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)

	assert.Nil(t, action)
	assert.Empty(t, client.setCalls)
	assert.Equal(t, 16, status.ProposedA, "observed state reported unchanged")

	// A fresh reading clears the flag and decisions resume.
	c.Update(reading)
	_, action = c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)
	require.NotNil(t, action)
	assert.Equal(t, 20, action.NewCurrent)
}

func TestNoActionWhenStateMatches(t *testing.T) {
	reading := connectedReading("Garage", 1, 20, true, 4800)
	client := newFakeChargerClient(reading)
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(reading)

	_, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)

	assert.Nil(t, action)
	assert.Empty(t, client.setCalls)
}

func TestVerifyMismatchAdoptsObservedState(t *testing.T) {
	reading := connectedReading("Garage", 1, 16, true, 3800)
	client := newFakeChargerClient(reading)
	client.applySets = false // the cloud acknowledges but does nothing
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(reading)

	_, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)

	require.NotNil(t, action)
	assert.Equal(t, 20, action.NewCurrent)
	// The re-read wins over the intended state.
	assert.Equal(t, 16, c.CurrentA())
}

func TestSetChargerFailureReturnsNoAction(t *testing.T) {
	reading := connectedReading("Garage", 1, 16, true, 3800)
	client := newFakeChargerClient(reading)
	client.setErr = errors.New("cloud unavailable")
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(reading)

	_, action := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(4800), fleet)

	assert.Nil(t, action)
	assert.Equal(t, 16, c.CurrentA(), "state unchanged on failure")
}

func TestEveningLatchStopsCharging(t *testing.T) {
	reading := connectedReading("Garage", 1, 20, true, 4800)
	client := newFakeChargerClient(reading)
	c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
	fleet := NewFleet()
	fleet.Add(c)
	c.Update(reading)

	// 18:30 with negative excess: the latch engages and the charger is
	// paused even though a raw budget computation would allow charging.
	evening := time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)
	budget := budgetWith(4800)
	budget.ExcessW = -500
	status, action := c.Decide(context.Background(), evening, InverterReading{BatterySOC: 96}, budget, fleet)

	require.NotNil(t, action)
	assert.Equal(t, 6, status.ProposedA)
	assert.False(t, status.ProposedOn)
}

func TestPowerBranchRespectsCurrentLimits(t *testing.T) {
	for _, available := range []float64{-10000, 0, 700, 1441, 4800, 9999, 50000} {
		client := newFakeChargerClient(connectedReading("Garage", 1, 16, true, 3800))
		c := NewChargerController("Garage", chargerCfg(true), controllerPolicy(), client)
		fleet := NewFleet()
		fleet.Add(c)
		c.Update(client.readings["Garage"])

		status, _ := c.Decide(context.Background(), powerBranchTime(), InverterReading{BatterySOC: 50}, budgetWith(available), fleet)
		assert.GreaterOrEqual(t, status.ProposedA, 6, "available=%v", available)
		assert.LessOrEqual(t, status.ProposedA, 30, "available=%v", available)
	}
}
