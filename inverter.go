package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Metric keys for inverter telemetry. Sensor entity ids derive from these
// via sensorID.
const (
	MetricPowerFromSolar   = "Power/FromSolar"
	MetricPowerGrid        = "Power/Grid"
	MetricPowerToGrid      = "Power/ToGrid"
	MetricPowerFromGrid    = "Power/FromGrid"
	MetricPowerToHome      = "Power/ToHome"
	MetricPowerBattery     = "Power/Battery"
	MetricPowerToBattery   = "Power/ToBattery"
	MetricPowerFromBattery = "Power/FromBattery"
	MetricACPower          = "AC/Power"
	MetricACVoltage        = "AC/Voltage"
	MetricACCurrent        = "AC/Current"
	MetricACFrequency      = "AC/Frequency"
	MetricBatterySOC       = "Battery/SOC"
	MetricBatteryVoltage   = "Battery/Voltage"
	MetricBatteryTemp      = "Battery/Temperature"
	MetricImportedTotal    = "Imported/Total"
	MetricImportedToday    = "Imported/Today"
	MetricYieldTotal       = "Yield/Total"
	MetricYieldToday       = "Yield/Today"
	MetricRunMode          = "RunMode"
)

const inverterTimeout = 10 * time.Second

// InverterClient polls a Solax hybrid inverter's local HTTP endpoint. The
// inverter authenticates requests with its own serial number.
type InverterClient struct {
	url    string
	serial string
	client *http.Client
}

func NewInverterClient(ip, serial string) *InverterClient {
	return &InverterClient{
		url:    fmt.Sprintf("http://%s/", ip),
		serial: serial,
		client: &http.Client{Timeout: inverterTimeout},
	}
}

// RealTimeData is the raw register payload the inverter returns.
type RealTimeData struct {
	Type        int    `json:"type"`
	SN          string `json:"SN"`
	Version     string `json:"ver"`
	Data        []int  `json:"Data"`
	Information []any  `json:"Information"`
}

// ReadRealTimeData fetches one raw register snapshot.
func (c *InverterClient) ReadRealTimeData(ctx context.Context) (*RealTimeData, error) {
	form := url.Values{
		"optType": {"ReadRealTimeData"},
		"pwd":     {c.serial},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inverter request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inverter returned status %d", resp.StatusCode)
	}

	var data RealTimeData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("inverter response decode: %w", err)
	}
	return &data, nil
}

// unsigned8 truncates a register to its low 8 bits.
func unsigned8(v int) int { return ((v % 256) + 256) % 256 }

// signed16 reinterprets a register as a two's-complement 16-bit value.
func signed16(v int) int {
	if v > 32767 {
		return v - 65536
	}
	return v
}

// unsigned32 composes a 32-bit value from a (low, high) register pair.
func unsigned32(low, high int) int { return high*65536 + low }

// signed32 composes a signed 32-bit value from a (low, high) register pair.
func signed32(low, high int) int {
	v := high*65536 + low
	if high >= 32768 {
		v -= 4294967296
	}
	return v
}

// StringReading holds one PV string's telemetry.
type StringReading struct {
	PowerW   float64 `json:"power_w"`
	VoltageV float64 `json:"voltage_v"`
	CurrentA float64 `json:"current_a"`
}

// InverterReading is one decoded, validated register snapshot. Sign
// conventions: grid power positive = exporting, battery power positive =
// charging. The directional To/From pairs are derived, never negative.
type InverterReading struct {
	SolarPowerW float64 `json:"solar_power_w"`
	HousePowerW float64 `json:"house_power_w"`

	GridPowerW float64 `json:"grid_power_w"`
	ToGridW    float64 `json:"to_grid_w"`
	FromGridW  float64 `json:"from_grid_w"`

	BatteryPowerW       float64 `json:"battery_power_w"`
	ToBatteryW          float64 `json:"to_battery_w"`
	FromBatteryW        float64 `json:"from_battery_w"`
	BatterySOC          int     `json:"battery_soc"`
	BatteryVoltageV     float64 `json:"battery_voltage_v"`
	BatteryTemperatureC int     `json:"battery_temperature_c"`

	ACPowerW      float64 `json:"ac_power_w"`
	ACVoltageV    float64 `json:"ac_voltage_v"`
	ACCurrentA    float64 `json:"ac_current_a"`
	ACFrequencyHz float64 `json:"ac_frequency_hz"`

	Strings [3]StringReading `json:"strings"`

	ImportedTotalKWh float64 `json:"imported_total_kwh"`
	ImportedTodayKWh float64 `json:"imported_today_kwh"`
	YieldTotalKWh    float64 `json:"yield_total_kwh"`
	YieldTodayKWh    float64 `json:"yield_today_kwh"`

	RunMode int `json:"run_mode"`
}

// Register positions in the RealTimeData array.
const (
	regACVoltage      = 4
	regACCurrent      = 5
	regACPower        = 6
	regACFrequency    = 7
	regRunMode        = 10
	regStringVoltage  = 11 // 11..13, strings 1..3
	regStringCurrent  = 15 // 15..17
	regStringPower    = 19 // 19..21
	regGridPowerLow   = 28
	regGridPowerHigh  = 29
	regHousePower     = 30
	regImportedLow    = 37
	regImportedHigh   = 38
	regImportedToday  = 39
	regYieldLow       = 41
	regYieldHigh      = 42
	regYieldToday     = 43
	regBatteryVoltage = 89
	regBatteryPower   = 91
	regBatteryTemp    = 92
	regBatterySOC     = 93
)

const minRegisterCount = 94

// decodeInverterReading converts raw registers into typed metrics, running
// every power value through the spurious-reading filter. Note the To/From
// splits are derived from the unfiltered signed value so both halves of a
// pair stay consistent.
func decodeInverterReading(raw *RealTimeData, filter *PowerFilter) (InverterReading, error) {
	regs := raw.Data
	if len(regs) < minRegisterCount {
		return InverterReading{}, fmt.Errorf("inverter register array too short: got %d, need %d", len(regs), minRegisterCount)
	}

	var r InverterReading

	for i := 0; i < 3; i++ {
		r.Strings[i] = StringReading{
			PowerW:   filter.Validate(fmt.Sprintf("String%d/Power", i+1), float64(regs[regStringPower+i])),
			VoltageV: float64(regs[regStringVoltage+i]) / 10,
			CurrentA: float64(regs[regStringCurrent+i]) / 10,
		}
	}
	solar := r.Strings[0].PowerW + r.Strings[1].PowerW + r.Strings[2].PowerW
	r.SolarPowerW = filter.Validate(MetricPowerFromSolar, solar)

	grid := float64(signed32(regs[regGridPowerLow], regs[regGridPowerHigh]))
	r.GridPowerW = filter.Validate(MetricPowerGrid, grid)
	r.ToGridW = filter.Validate(MetricPowerToGrid, positivePart(grid))
	r.FromGridW = filter.Validate(MetricPowerFromGrid, negativePart(grid))

	r.HousePowerW = filter.Validate(MetricPowerToHome, float64(regs[regHousePower]))

	battery := float64(signed16(regs[regBatteryPower]))
	r.BatteryPowerW = filter.Validate(MetricPowerBattery, battery)
	r.ToBatteryW = filter.Validate(MetricPowerToBattery, positivePart(battery))
	r.FromBatteryW = filter.Validate(MetricPowerFromBattery, negativePart(battery))

	r.ACPowerW = filter.Validate(MetricACPower, float64(signed16(regs[regACPower])))
	r.ACVoltageV = float64(regs[regACVoltage]) / 10
	r.ACCurrentA = float64(signed16(regs[regACCurrent])) / 10
	r.ACFrequencyHz = float64(regs[regACFrequency]) / 100

	r.BatterySOC = regs[regBatterySOC]
	r.BatteryVoltageV = float64(regs[regBatteryVoltage]) / 100
	r.BatteryTemperatureC = signed16(regs[regBatteryTemp])

	r.ImportedTotalKWh = float64(unsigned32(regs[regImportedLow], regs[regImportedHigh])) / 10
	r.ImportedTodayKWh = float64(regs[regImportedToday]) / 10
	r.YieldTotalKWh = float64(unsigned32(regs[regYieldLow], regs[regYieldHigh])) / 10
	r.YieldTodayKWh = float64(regs[regYieldToday]) / 10

	r.RunMode = unsigned8(regs[regRunMode])

	return r, nil
}

// positivePart returns v when positive, else 0.
func positivePart(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

// negativePart returns -v when v is negative, else 0.
func negativePart(v float64) float64 {
	if v < 0 {
		return -v
	}
	return 0
}
