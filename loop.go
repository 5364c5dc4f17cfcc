package main

import (
	"context"
	"log"
	"time"

	"github.com/solarhome/chargectl/governor"
)

// ControlLoopConfig holds the settings the control cycle needs.
type ControlLoopConfig struct {
	Interval           time.Duration
	BufferW            float64
	BusMaximumW        float64
	BatteryCapacityKWh float64
	MinSOC             int
	PowerAvgWindowMin  int
	DetailedLog        bool
	Verbose            bool
	LogPath            string
	Location           *time.Location
}

// controlLoop runs the Sample -> Validate -> Derive -> Decide -> Actuate ->
// Publish cycle. A failure in any external read aborts the cycle; the next
// one starts fresh after the sleep interval.
func controlLoop(
	ctx context.Context,
	cfg ControlLoopConfig,
	inverter *InverterClient,
	chargers ChargerClient,
	fleet *Fleet,
	filter *PowerFilter,
	sender *MQTTSender,
	switchChan <-chan SwitchCommand,
	statusChan chan<- SystemStatus,
) {
	log.Println("Control loop started")

	avg := governor.NewPowerAverage(cfg.PowerAvgWindowMin, int(cfg.Interval.Seconds()))
	cycleLog := newCycleLogger(cfg.LogPath, cfg.DetailedLog)

	for {
		runControlCycle(ctx, cfg, inverter, chargers, fleet, filter, sender, switchChan, statusChan, avg, cycleLog)

		select {
		case <-time.After(cfg.Interval):
		case <-ctx.Done():
			log.Println("Control loop stopped")
			return
		}
	}
}

func runControlCycle(
	ctx context.Context,
	cfg ControlLoopConfig,
	inverter *InverterClient,
	chargers ChargerClient,
	fleet *Fleet,
	filter *PowerFilter,
	sender *MQTTSender,
	switchChan <-chan SwitchCommand,
	statusChan chan<- SystemStatus,
	avg *governor.PowerAverage,
	cycleLog *cycleLogger,
) {
	// Apply any Home Assistant switch commands that arrived since the
	// last cycle. Controller state is only ever touched here.
	drainSwitchCommands(switchChan, fleet, sender)

	raw, err := inverter.ReadRealTimeData(ctx)
	if err != nil {
		log.Printf("Inverter read failed: %v\n", err)
		return
	}
	reading, err := decodeInverterReading(raw, filter)
	if err != nil {
		log.Printf("Inverter decode failed: %v\n", err)
		return
	}

	avgKW := avg.Add(reading.BatteryPowerW / 1000)
	timeToCharged := governor.TimeToFull(reading.BatterySOC, cfg.BatteryCapacityKWh, max(0, avgKW))
	timeToDepleted := governor.TimeToEmpty(reading.BatterySOC, cfg.MinSOC, cfg.BatteryCapacityKWh, max(0, -avgKW))

	publishInverterSensors(sender, reading, timeToCharged, timeToDepleted, avgKW, cfg.MinSOC)

	chargerData, err := chargers.ListChargers(ctx)
	if err != nil {
		log.Printf("Charger read failed: %v\n", err)
		return
	}

	for _, c := range fleet.Controllers() {
		r, ok := chargerData[c.Name()]
		if !ok {
			log.Printf("Warning: charger %s missing from API response\n", c.Name())
			c.MarkStale()
			continue
		}
		c.Update(r)
		publishChargerSensors(sender, c)
	}

	// The budget is a snapshot from cycle-start loads; every controller
	// decides against the same numbers.
	now := time.Now()
	budget := computeCycleBudget(reading, fleet.TotalLoadW(), cfg.BufferW, cfg.BusMaximumW)
	if cfg.Verbose {
		log.Printf("[debug] Power metrics: solar %.0fW | house %.0fW | excess %.0fW | buffer %.0fW\n",
			reading.SolarPowerW, reading.HousePowerW, budget.ExcessW, cfg.BufferW)
		log.Printf("[debug] Power budget: excess %.0fW | bus %.0fW | available %.0fW | reserve %.0fW | charger load %.0fW\n",
			budget.AvailableExcessW, budget.AvailableViaBusW, budget.AvailableForChargeW,
			budget.ReserveW, budget.TotalChargerLoadW)
	}

	statuses := make([]ChargerStatus, 0, len(fleet.Controllers()))
	var actions []ChargerAction
	for _, c := range fleet.Controllers() {
		status, action := c.Decide(ctx, now, reading, budget, fleet)
		statuses = append(statuses, status)
		if action != nil {
			actions = append(actions, *action)
		}
	}

	status := buildSystemStatus(
		now.In(cfg.Location).Format("15:04:05"),
		reading, budget, statuses,
		timeToCharged, timeToDepleted, avgKW, cfg.MinSOC,
	)
	log.Println(status.StatusLine())

	// Best-effort handoff to the debug console; never blocks the cycle.
	select {
	case statusChan <- status:
	default:
	}

	cycleLog.Write(now, cfg.Location, raw, chargerData, reading, cycleCalculations{
		Budget:              budget,
		AvgBatteryPowerKW:   avgKW,
		TimeToCharged:       timeToCharged,
		TimeToDepleted:      timeToDepleted,
		BatteryPowerHistory: avg.Samples(),
		MinSOC:              cfg.MinSOC,
		BatteryCapacityKWh:  cfg.BatteryCapacityKWh,
	}, actions)
}

func drainSwitchCommands(switchChan <-chan SwitchCommand, fleet *Fleet, sender *MQTTSender) {
	for {
		select {
		case cmd := <-switchChan:
			c := fleet.Get(cmd.Charger)
			if c == nil {
				log.Printf("Warning: switch command for unknown charger %q\n", cmd.Charger)
				continue
			}
			c.SetUseExcess(cmd.On)
			publishSwitchState(sender, cmd.Charger, cmd.On)
			state := "OFF"
			if cmd.On {
				state = "ON"
			}
			log.Printf("%s: Use Excess Solar switched %s\n", cmd.Charger, state)
		default:
			return
		}
	}
}
