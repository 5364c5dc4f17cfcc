package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// sensorID derives the MQTT entity id from a metric path:
// "Power/FromSolar" -> "power_fromsolar".
func sensorID(metric string) string {
	return strings.ToLower(strings.ReplaceAll(metric, "/", "_"))
}

func sensorStateTopic(metric string) string {
	return "homeassistant/sensor/" + sensorID(metric) + "/state"
}

// chargerEntityBase derives the per-charger entity prefix from its device
// name: "Garage Charger" -> "garage_charger".
func chargerEntityBase(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "_")
}

func chargerSwitchCommandTopic(name string) string {
	return "homeassistant/switch/" + chargerEntityBase(name) + "_use_excess/set"
}

func chargerSwitchStateTopic(name string) string {
	return "homeassistant/switch/" + chargerEntityBase(name) + "_use_excess/state"
}

type sensorSpec struct {
	Metric      string
	DeviceClass string
	Unit        string
}

// inverterSensorCatalog lists every published inverter metric, including the
// derived battery estimates.
var inverterSensorCatalog = []sensorSpec{
	{MetricPowerFromSolar, "power", "W"},
	{MetricPowerBattery, "power", "W"},
	{MetricPowerFromBattery, "power", "W"},
	{MetricPowerToBattery, "power", "W"},
	{MetricPowerFromGrid, "power", "W"},
	{MetricPowerGrid, "power", "W"},
	{MetricPowerToGrid, "power", "W"},
	{MetricPowerToHome, "power", "W"},
	{MetricBatterySOC, "battery", "%"},
	{MetricBatteryVoltage, "voltage", "V"},
	{MetricBatteryTemp, "temperature", "C"},
	{"Battery/TimeToCharged", "duration", "min"},
	{"Battery/TimeToDepleted", "duration", "min"},
	{"Battery/Power", "power", "kW"},
	{"Battery/MinSOC", "battery", "%"},
	{"String1/Power", "power", "W"},
	{"String1/Voltage", "voltage", "V"},
	{"String1/Current", "current", "A"},
	{"String2/Power", "power", "W"},
	{"String2/Voltage", "voltage", "V"},
	{"String2/Current", "current", "A"},
	{"String3/Power", "power", "W"},
	{"String3/Voltage", "voltage", "V"},
	{"String3/Current", "current", "A"},
	{MetricACPower, "power", "W"},
	{MetricACVoltage, "voltage", "V"},
	{MetricACCurrent, "current", "A"},
	{MetricACFrequency, "frequency", "Hz"},
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

type haEntityConfig struct {
	Name          string   `json:"name,omitempty"`
	DeviceClass   string   `json:"device_class,omitempty"`
	StateTopic    string   `json:"state_topic"`
	CommandTopic  string   `json:"command_topic,omitempty"`
	UnitOfMeasure string   `json:"unit_of_measurement,omitempty"`
	UniqueId      string   `json:"unique_id"`
	ExpireAfter   uint     `json:"expire_after,omitempty"`
	StateClass    string   `json:"state_class,omitempty"`
	Device        haDevice `json:"device"`
}

func inverterDevice() haDevice {
	return haDevice{
		Identifiers:  []string{"solax"},
		Name:         "Solax A1-HYB-G2",
		Manufacturer: "Solax",
	}
}

func chargerDevice(name string) haDevice {
	return haDevice{
		Identifiers:  []string{chargerEntityBase(name)},
		Name:         name,
		Manufacturer: "Emporia",
		Model:        "EV Charger",
	}
}

func publishDiscoveryConfig(sender *MQTTSender, configTopic string, config haEntityConfig) error {
	payload, err := json.Marshal(config)
	if err != nil {
		return err
	}
	sender.Publish(configTopic, payload, true)
	return nil
}

// createInverterSensorEntities registers the full inverter sensor catalog
// with Home Assistant.
func createInverterSensorEntities(sender *MQTTSender) error {
	device := inverterDevice()
	for _, spec := range inverterSensorCatalog {
		id := sensorID(spec.Metric)
		log.Printf("Registering MQTT sensor: %s\n", id)

		config := haEntityConfig{
			Name:          strings.ReplaceAll(spec.Metric, "/", " "),
			DeviceClass:   spec.DeviceClass,
			StateTopic:    sensorStateTopic(spec.Metric),
			UnitOfMeasure: spec.Unit,
			UniqueId:      id,
			ExpireAfter:   60 * 30,
			Device:        device,
		}
		if spec.DeviceClass != "duration" {
			config.StateClass = "measurement"
		}

		configTopic := "homeassistant/sensor/" + id + "/config"
		if err := publishDiscoveryConfig(sender, configTopic, config); err != nil {
			return fmt.Errorf("sensor %s: %w", id, err)
		}
	}
	return nil
}

// createChargerEntities registers one charger's sensors and its
// "Use Excess Solar" switch.
func createChargerEntities(sender *MQTTSender, name string) error {
	base := chargerEntityBase(name)
	device := chargerDevice(name)

	sensors := []struct {
		suffix      string
		displayName string
		deviceClass string
		unit        string
	}{
		{"current", "Current", "current", "A"},
		{"power", "Power", "power", "W"},
	}
	for _, s := range sensors {
		id := base + "_" + s.suffix
		log.Printf("Registering MQTT sensor: %s\n", id)
		config := haEntityConfig{
			Name:          s.displayName,
			DeviceClass:   s.deviceClass,
			StateTopic:    "homeassistant/sensor/" + id + "/state",
			UnitOfMeasure: s.unit,
			UniqueId:      id,
			ExpireAfter:   60 * 30,
			StateClass:    "measurement",
			Device:        device,
		}
		if err := publishDiscoveryConfig(sender, "homeassistant/sensor/"+id+"/config", config); err != nil {
			return fmt.Errorf("sensor %s: %w", id, err)
		}
	}

	switchID := base + "_use_excess"
	log.Printf("Registering MQTT switch: %s\n", switchID)
	switchConfig := haEntityConfig{
		Name:         "Use Excess Solar",
		StateTopic:   chargerSwitchStateTopic(name),
		CommandTopic: chargerSwitchCommandTopic(name),
		UniqueId:     switchID,
		Device:       device,
	}
	if err := publishDiscoveryConfig(sender, "homeassistant/switch/"+switchID+"/config", switchConfig); err != nil {
		return fmt.Errorf("switch %s: %w", switchID, err)
	}
	return nil
}

// publishInverterSensors pushes one cycle's telemetry and derived battery
// estimates to the state topics.
func publishInverterSensors(sender *MQTTSender, r InverterReading, timeToCharged, timeToDepleted string, avgBatteryKW float64, minSOC int) {
	sender.PublishFloat(sensorStateTopic(MetricPowerFromSolar), r.SolarPowerW)
	sender.PublishFloat(sensorStateTopic(MetricPowerBattery), r.BatteryPowerW)
	sender.PublishFloat(sensorStateTopic(MetricPowerFromBattery), r.FromBatteryW)
	sender.PublishFloat(sensorStateTopic(MetricPowerToBattery), r.ToBatteryW)
	sender.PublishFloat(sensorStateTopic(MetricPowerFromGrid), r.FromGridW)
	sender.PublishFloat(sensorStateTopic(MetricPowerGrid), r.GridPowerW)
	sender.PublishFloat(sensorStateTopic(MetricPowerToGrid), r.ToGridW)
	sender.PublishFloat(sensorStateTopic(MetricPowerToHome), r.HousePowerW)

	sender.PublishInt(sensorStateTopic(MetricBatterySOC), r.BatterySOC)
	sender.PublishFloat(sensorStateTopic(MetricBatteryVoltage), r.BatteryVoltageV)
	sender.PublishInt(sensorStateTopic(MetricBatteryTemp), r.BatteryTemperatureC)

	sender.PublishState(sensorStateTopic("Battery/TimeToCharged"), timeToCharged)
	sender.PublishState(sensorStateTopic("Battery/TimeToDepleted"), timeToDepleted)
	sender.PublishFloat(sensorStateTopic("Battery/Power"), avgBatteryKW)
	sender.PublishInt(sensorStateTopic("Battery/MinSOC"), minSOC)

	for i, s := range r.Strings {
		prefix := fmt.Sprintf("String%d", i+1)
		sender.PublishFloat(sensorStateTopic(prefix+"/Power"), s.PowerW)
		sender.PublishFloat(sensorStateTopic(prefix+"/Voltage"), s.VoltageV)
		sender.PublishFloat(sensorStateTopic(prefix+"/Current"), s.CurrentA)
	}

	sender.PublishFloat(sensorStateTopic(MetricACPower), r.ACPowerW)
	sender.PublishFloat(sensorStateTopic(MetricACVoltage), r.ACVoltageV)
	sender.PublishFloat(sensorStateTopic(MetricACCurrent), r.ACCurrentA)
	sender.PublishFloat(sensorStateTopic(MetricACFrequency), r.ACFrequencyHz)
}

// publishChargerSensors pushes one charger's observed current and power.
func publishChargerSensors(sender *MQTTSender, c *ChargerController) {
	base := chargerEntityBase(c.Name())
	sender.PublishInt("homeassistant/sensor/"+base+"_current/state", c.CurrentA())
	sender.PublishFloat("homeassistant/sensor/"+base+"_power/state", c.LoadW())
}

// publishSwitchState reflects the "Use Excess Solar" toggle back to Home
// Assistant.
func publishSwitchState(sender *MQTTSender, name string, on bool) {
	state := "OFF"
	if on {
		state = "ON"
	}
	sender.PublishState(chargerSwitchStateTopic(name), state)
}
