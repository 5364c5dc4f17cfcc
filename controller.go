package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/solarhome/chargectl/governor"
)

// ChargerConfig holds the static limits for one charger circuit.
type ChargerConfig struct {
	MinCurrentA int
	MaxCurrentA int
	VoltageV    float64
	Primary     bool
}

// ChargerStatus describes what one controller observed and proposed during a
// cycle. Logging only.
type ChargerStatus struct {
	Name       string  `json:"name"`
	Primary    bool    `json:"is_primary"`
	Connected  bool    `json:"connected"`
	Charging   bool    `json:"charging"`
	CurrentA   int     `json:"current_amps"`
	PowerW     float64 `json:"power_watts"`
	ProposedA  int     `json:"proposed_amps"`
	ProposedOn bool    `json:"state_active"`
}

// ChargerAction records one actuation and the inputs that drove it.
type ChargerAction struct {
	Charger    string            `json:"charger_name"`
	ActionType string            `json:"action_type"` // "state_change" or "current_change"
	OldCurrent int               `json:"old_current"`
	NewCurrent int               `json:"new_current"`
	OldOn      bool              `json:"old_state"`
	NewOn      bool              `json:"new_state"`
	Reason     string            `json:"reason"`
	Values     map[string]string `json:"values"`
}

// ChargerController owns the per-cycle decision for one charger. All state
// is touched only from the control loop goroutine.
type ChargerController struct {
	name   string
	cfg    ChargerConfig
	policy *governor.TimePolicy
	client ChargerClient

	// Latest observed state, refreshed by Update each cycle.
	deviceGID int
	loadW     float64
	currentA  int
	on        bool
	connected bool
	charging  bool
	stale     bool

	// Mirrors the Home Assistant "Use Excess Solar" switch.
	useExcess bool
}

func NewChargerController(name string, cfg ChargerConfig, policy *governor.TimePolicy, client ChargerClient) *ChargerController {
	return &ChargerController{
		name:      name,
		cfg:       cfg,
		policy:    policy,
		client:    client,
		useExcess: true,
	}
}

func (c *ChargerController) Name() string        { return c.name }
func (c *ChargerController) Primary() bool       { return c.cfg.Primary }
func (c *ChargerController) Connected() bool     { return c.connected }
func (c *ChargerController) Charging() bool      { return c.charging }
func (c *ChargerController) LoadW() float64      { return c.loadW }
func (c *ChargerController) CurrentA() int       { return c.currentA }
func (c *ChargerController) On() bool            { return c.on }
func (c *ChargerController) UseExcess() bool     { return c.useExcess }
func (c *ChargerController) SetUseExcess(v bool) { c.useExcess = v }

// Update replaces the controller's view of the charger with the latest
// snapshot from the cloud API.
func (c *ChargerController) Update(r ChargerReading) {
	c.deviceGID = r.DeviceGID
	c.loadW = r.PowerW
	c.currentA = r.CurrentA
	c.on = r.On
	c.connected = r.Connected()
	c.charging = r.Charging()
	c.stale = false
}

// MarkStale flags that the charger was missing from the latest fleet read.
// A stale controller sits out Decide until a fresh Update arrives.
func (c *ChargerController) MarkStale() { c.stale = true }

// Decide runs one control decision for this charger: time policy first, then
// the power budget with primary/secondary arbitration. Actuates through the
// charger client when the proposal differs from the observed state.
func (c *ChargerController) Decide(ctx context.Context, now time.Time, inv InverterReading, budget CycleBudget, fleet *Fleet) (ChargerStatus, *ChargerAction) {
	// A disconnected charger is observed but never commanded, and stale
	// telemetry is never acted on.
	if !c.connected || c.stale {
		return c.status(c.currentA, c.on), nil
	}

	excess := budget.ExcessW
	soc := inv.BatterySOC

	timeCurrent, timeEnabled := c.policy.Recommend(now, excess, soc, c.cfg.VoltageV)
	if c.policy.InUnrestrictedWindow(now) || timeEnabled {
		window := "daytime excess charging"
		if c.policy.InUnrestrictedWindow(now) {
			window = "unrestricted charging"
		}
		values := map[string]string{
			"excess_power": fmt.Sprintf("%.0fW", excess),
			"battery_soc":  fmt.Sprintf("%d%%", soc),
		}
		action := c.apply(ctx, timeCurrent, timeEnabled, "Time-based rule ("+window+")", values)
		return c.status(timeCurrent, timeEnabled), action
	}

	shouldDisable := c.policy.ShouldDisable(now, excess)
	shouldEnable := c.policy.ShouldEnable(now, excess, soc)
	active := c.shouldBeActive(fleet, shouldEnable, shouldDisable)
	primaryCharging := fleet.PrimaryCharging()

	proposedA, proposedOn := c.proposeCurrent(budget, fleet, active, shouldEnable, shouldDisable, primaryCharging)

	role := "Secondary"
	if c.cfg.Primary {
		role = "Primary"
	}
	values := map[string]string{
		"available_power":    fmt.Sprintf("%.0fW", budget.AvailableForChargeW),
		"excess_power":       fmt.Sprintf("%.0fW", excess),
		"battery_soc":        fmt.Sprintf("%d%%", soc),
		"reserve":            fmt.Sprintf("%.0fW", budget.ReserveW),
		"total_charger_load": fmt.Sprintf("%.0fW", budget.TotalChargerLoadW),
		"should_enable":      fmt.Sprintf("%t", shouldEnable),
		"should_disable":     fmt.Sprintf("%t", shouldDisable),
		"should_be_active":   fmt.Sprintf("%t", active),
		"primary_charging":   fmt.Sprintf("%t", primaryCharging),
	}
	action := c.apply(ctx, proposedA, proposedOn, "Power-based logic ("+role+")", values)
	return c.status(proposedA, proposedOn), action
}

// shouldBeActive applies the single-active-charger rule for the daytime
// excess regime: primaries win, a secondary runs only when no connected
// primary exists.
func (c *ChargerController) shouldBeActive(fleet *Fleet, shouldEnable, shouldDisable bool) bool {
	if shouldDisable {
		return false
	}
	if !shouldEnable {
		return true
	}
	if c.cfg.Primary {
		return true
	}
	return !fleet.PrimaryConnected()
}

func (c *ChargerController) proposeCurrent(budget CycleBudget, fleet *Fleet, active, shouldEnable, shouldDisable, primaryCharging bool) (int, bool) {
	if shouldDisable {
		return c.cfg.MinCurrentA, false
	}
	if shouldEnable && !active {
		return c.cfg.MinCurrentA, false
	}
	if c.cfg.Primary {
		return c.primaryCurrent(budget.AvailableForChargeW)
	}
	return c.secondaryCurrent(budget.AvailableForChargeW, fleet, primaryCharging)
}

// primaryCurrent converts the budget to amps and clamps. A budget below the
// minimum pauses the charger rather than drawing at minimum from the grid.
func (c *ChargerController) primaryCurrent(availableW float64) (int, bool) {
	proposed := int(math.Round(availableW / c.cfg.VoltageV))
	switch {
	case proposed > c.cfg.MaxCurrentA:
		return c.cfg.MaxCurrentA, true
	case proposed < c.cfg.MinCurrentA:
		return c.cfg.MinCurrentA, false
	default:
		return proposed, true
	}
}

// secondaryCurrent yields to an actively charging primary (minimum current,
// still enabled). Otherwise it takes the budget minus a minimum-rate
// reservation for every other secondary, and never pauses: a secondary
// floors at minimum, enabled.
func (c *ChargerController) secondaryCurrent(availableW float64, fleet *Fleet, primaryCharging bool) (int, bool) {
	if primaryCharging {
		return c.cfg.MinCurrentA, true
	}
	reservedW := float64(fleet.OtherSecondaries(c.name)) * float64(c.cfg.MinCurrentA) * c.cfg.VoltageV
	proposed := int(math.Round((availableW - reservedW) / c.cfg.VoltageV))
	switch {
	case proposed > c.cfg.MaxCurrentA:
		return c.cfg.MaxCurrentA, true
	case proposed < c.cfg.MinCurrentA:
		return c.cfg.MinCurrentA, true
	default:
		return proposed, true
	}
}

// apply actuates the proposal when it differs from the observed state, then
// re-reads the charger to verify. The observed state always wins over the
// intended one.
func (c *ChargerController) apply(ctx context.Context, proposedA int, proposedOn bool, reason string, values map[string]string) *ChargerAction {
	if c.currentA == proposedA && c.on == proposedOn {
		return nil
	}

	oldA, oldOn := c.currentA, c.on
	actionType := "current_change"
	if oldOn != proposedOn {
		actionType = "state_change"
	}

	if err := c.client.SetCharger(ctx, c.deviceGID, proposedOn, proposedA); err != nil {
		log.Printf("Error setting charger state for %s: %v\n", c.name, err)
		return nil
	}

	c.verify(ctx, proposedOn, proposedA)

	if actionType == "state_change" {
		word := "OFF"
		if proposedOn {
			word = "ON"
		}
		log.Printf("%s: Switched %s at %dA (%s)\n", c.name, word, proposedA, reason)
	} else {
		log.Printf("%s: Current %dA -> %dA (%s)\n", c.name, oldA, proposedA, reason)
	}

	return &ChargerAction{
		Charger:    c.name,
		ActionType: actionType,
		OldCurrent: oldA,
		NewCurrent: proposedA,
		OldOn:      oldOn,
		NewOn:      proposedOn,
		Reason:     reason,
		Values:     values,
	}
}

// verify re-reads the charger after a command. The cloud API sometimes
// acknowledges a command without applying it, so a mismatch is warned about
// and the fresh observation replaces local state either way.
func (c *ChargerController) verify(ctx context.Context, wantOn bool, wantA int) {
	chargers, err := c.client.ListChargers(ctx)
	if err != nil {
		log.Printf("Error verifying charger state for %s: %v\n", c.name, err)
		return
	}
	r, ok := chargers[c.name]
	if !ok {
		log.Printf("Warning: Could not verify charger state for %s\n", c.name)
		return
	}
	if r.On != wantOn || r.CurrentA != wantA {
		log.Printf("Warning: Charger state verification failed for %s: expected on=%t %dA, actual on=%t %dA\n",
			c.name, wantOn, wantA, r.On, r.CurrentA)
	}
	c.Update(r)
}

func (c *ChargerController) status(proposedA int, proposedOn bool) ChargerStatus {
	return ChargerStatus{
		Name:       c.name,
		Primary:    c.cfg.Primary,
		Connected:  c.connected,
		Charging:   c.charging,
		CurrentA:   c.currentA,
		PowerW:     c.loadW,
		ProposedA:  proposedA,
		ProposedOn: proposedOn,
	}
}
