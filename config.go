package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/solarhome/chargectl/governor"
)

type SolaxConfig struct {
	IPAddress    string `json:"ip_address"`
	SerialNumber string `json:"serial_number"`
}

type MQTTConfig struct {
	Broker   string `json:"broker"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type ChargersConfig struct {
	PrimaryCharger string `json:"primary_charger"`
}

type SystemConfig struct {
	CredsFile         string  `json:"creds_file"`
	SleepInterval     int     `json:"sleep_interval"`
	BatteryCapacity   float64 `json:"battery_capacity"`
	MinSOC            int     `json:"min_soc"`
	PowerAvgWindow    int     `json:"power_avg_window"`
	MaxPowerThreshold int     `json:"max_power_threshold"`
	BusMaximum        int     `json:"bus_maximum"`
	Buffer            int     `json:"buffer"`
	DetailedLog       bool    `json:"detailed_log"`
}

type TimeBehaviorConfig struct {
	Timezone            string `json:"timezone"`
	SwitchOnTime        string `json:"switch_on_time"`
	SwitchOffTime       string `json:"switch_off_time"`
	FixedChargeStart    string `json:"fixed_charge_start"`
	FixedChargeEnd      string `json:"fixed_charge_end"`
	FixedChargeCurrent  int    `json:"fixed_charge_current"`
	MinExcessThreshold  int    `json:"min_excess_threshold"`
	BatterySOCThreshold int    `json:"battery_soc_threshold"`
}

type ChargerLimitsConfig struct {
	MaxCurrent     int `json:"max_current"`
	MinCurrent     int `json:"min_current"`
	Voltage        int `json:"voltage"`
	OnToOffLockout int `json:"on_to_off_lockout"`
	OffToOnLockout int `json:"off_to_on_lockout"`
}

// Config is the full configuration surface: JSON file overlaid by CLI flags
// (flags win), with MQTT credentials optionally pulled from the environment.
type Config struct {
	Solax         SolaxConfig         `json:"solax"`
	MQTT          MQTTConfig          `json:"mqtt"`
	Chargers      ChargersConfig      `json:"chargers"`
	System        SystemConfig        `json:"system"`
	TimeBehavior  TimeBehaviorConfig  `json:"time_based_behavior"`
	ChargerLimits ChargerLimitsConfig `json:"charger_limits"`

	Verbose bool `json:"-"`
	Console bool `json:"-"`
}

func defaultConfig() Config {
	return Config{
		System: SystemConfig{
			CredsFile:         "keys.json",
			SleepInterval:     10,
			BatteryCapacity:   20.0,
			MinSOC:            30,
			PowerAvgWindow:    5,
			MaxPowerThreshold: 50000,
			BusMaximum:        7000,
			Buffer:            100,
		},
		TimeBehavior: TimeBehaviorConfig{
			Timezone:            "UTC",
			SwitchOnTime:        "11:00",
			SwitchOffTime:       "18:00",
			FixedChargeStart:    "00:10",
			FixedChargeEnd:      "06:00",
			FixedChargeCurrent:  40,
			MinExcessThreshold:  1440,
			BatterySOCThreshold: 85,
		},
		ChargerLimits: ChargerLimitsConfig{
			MaxCurrent: 30,
			MinCurrent: 6,
			Voltage:    240,
		},
	}
}

// loadConfig builds the effective configuration from defaults, the JSON
// config file, CLI flags and the environment, in ascending precedence.
func loadConfig(args []string) (Config, error) {
	fs := flag.NewFlagSet("chargectl", flag.ContinueOnError)

	configPath := fs.String("config", "config.json", "path to configuration JSON file")
	fs.String("inverter-ip", "", "IP address of the Solax inverter")
	fs.String("serial", "", "inverter serial number, used as the API password")
	fs.String("broker", "", "MQTT broker host")
	fs.String("primary-charger", "", "name of the charger that gets priority for excess power")
	fs.String("username", "", "MQTT username")
	fs.String("password", "", "MQTT password")
	fs.String("creds-file", "", "charger cloud API credentials file")
	fs.Int("sleep", 0, "poll delay in seconds")
	fs.Float64("battery-capacity", 0, "battery capacity in kWh")
	fs.Int("min-soc", 0, "minimum battery SOC for depletion estimates")
	fs.Int("power-avg-window", 0, "battery power averaging window in minutes")
	fs.Int("max-power-threshold", 0, "maximum valid power reading in watts")
	fs.String("timezone", "", "timezone for the charging schedule")
	fs.String("switch-on-time", "", "daytime charging window open (HH:MM)")
	fs.String("switch-off-time", "", "daytime charging window close (HH:MM)")
	fs.String("fixed-charge-start", "", "unrestricted charging window start (HH:MM)")
	fs.String("fixed-charge-end", "", "unrestricted charging window end (HH:MM)")
	fs.Int("fixed-charge-current", 0, "unrestricted charging current in amps")
	fs.Int("min-excess-threshold", 0, "minimum excess in watts for daytime charging")
	fs.Int("battery-soc-threshold", 0, "battery SOC gate for daytime charging")
	fs.Int("max-current", 0, "maximum charging current in amps")
	fs.Int("min-current", 0, "minimum charging current in amps")
	fs.Int("voltage", 0, "charging circuit voltage")
	fs.Int("bus-maximum", 0, "maximum AC bus load in watts")
	fs.Int("buffer", 0, "safety margin in watts held back from excess")
	fs.Int("on-to-off-lockout", 0, "lockout in seconds after switching a charger off")
	fs.Int("off-to-on-lockout", 0, "lockout in seconds after switching a charger on")
	fs.Bool("detailed-log", false, "append one JSON entry per cycle to the log file")
	fs.Bool("verbose", false, "enable debug logging")
	fs.Bool("console", false, "enable the interactive debug console")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaultConfig()

	if raw, err := os.ReadFile(*configPath); err == nil {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", *configPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("Warning: could not read config file %s: %v\n", *configPath, err)
	}

	applyFlags(fs, &cfg)

	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("CHARGER_CREDS_FILE"); v != "" {
		cfg.System.CredsFile = v
	}

	return cfg, nil
}

// applyFlags overlays only the flags that were explicitly set.
func applyFlags(fs *flag.FlagSet, cfg *Config) {
	fs.Visit(func(f *flag.Flag) {
		v := f.Value.String()
		atoi := func() int {
			n, _ := strconv.Atoi(v)
			return n
		}
		switch f.Name {
		case "inverter-ip":
			cfg.Solax.IPAddress = v
		case "serial":
			cfg.Solax.SerialNumber = v
		case "broker":
			cfg.MQTT.Broker = v
		case "primary-charger":
			cfg.Chargers.PrimaryCharger = v
		case "username":
			cfg.MQTT.Username = v
		case "password":
			cfg.MQTT.Password = v
		case "creds-file":
			cfg.System.CredsFile = v
		case "sleep":
			cfg.System.SleepInterval = atoi()
		case "battery-capacity":
			cfg.System.BatteryCapacity, _ = strconv.ParseFloat(v, 64)
		case "min-soc":
			cfg.System.MinSOC = atoi()
		case "power-avg-window":
			cfg.System.PowerAvgWindow = atoi()
		case "max-power-threshold":
			cfg.System.MaxPowerThreshold = atoi()
		case "timezone":
			cfg.TimeBehavior.Timezone = v
		case "switch-on-time":
			cfg.TimeBehavior.SwitchOnTime = v
		case "switch-off-time":
			cfg.TimeBehavior.SwitchOffTime = v
		case "fixed-charge-start":
			cfg.TimeBehavior.FixedChargeStart = v
		case "fixed-charge-end":
			cfg.TimeBehavior.FixedChargeEnd = v
		case "fixed-charge-current":
			cfg.TimeBehavior.FixedChargeCurrent = atoi()
		case "min-excess-threshold":
			cfg.TimeBehavior.MinExcessThreshold = atoi()
		case "battery-soc-threshold":
			cfg.TimeBehavior.BatterySOCThreshold = atoi()
		case "max-current":
			cfg.ChargerLimits.MaxCurrent = atoi()
		case "min-current":
			cfg.ChargerLimits.MinCurrent = atoi()
		case "voltage":
			cfg.ChargerLimits.Voltage = atoi()
		case "bus-maximum":
			cfg.System.BusMaximum = atoi()
		case "buffer":
			cfg.System.Buffer = atoi()
		case "on-to-off-lockout":
			cfg.ChargerLimits.OnToOffLockout = atoi()
		case "off-to-on-lockout":
			cfg.ChargerLimits.OffToOnLockout = atoi()
		case "detailed-log":
			cfg.System.DetailedLog = v == "true"
		case "verbose":
			cfg.Verbose = v == "true"
		case "console":
			cfg.Console = v == "true"
		}
	})
}

// Validate checks the required settings and the schedule syntax.
func (c Config) Validate() error {
	if c.Solax.IPAddress == "" {
		return fmt.Errorf("inverter IP address is required")
	}
	if c.Solax.SerialNumber == "" {
		return fmt.Errorf("inverter serial number is required")
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT broker is required")
	}
	if c.Chargers.PrimaryCharger == "" {
		return fmt.Errorf("primary charger name is required")
	}
	if c.ChargerLimits.MinCurrent <= 0 || c.ChargerLimits.MaxCurrent < c.ChargerLimits.MinCurrent {
		return fmt.Errorf("invalid charger current limits: min %d, max %d",
			c.ChargerLimits.MinCurrent, c.ChargerLimits.MaxCurrent)
	}
	for _, s := range []string{
		c.TimeBehavior.SwitchOnTime,
		c.TimeBehavior.SwitchOffTime,
		c.TimeBehavior.FixedChargeStart,
		c.TimeBehavior.FixedChargeEnd,
	} {
		if _, err := governor.ParseMinuteOfDay(s); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the configured time zone, warning and falling back to
// UTC when it is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeBehavior.Timezone)
	if err != nil {
		log.Printf("Warning: unknown timezone %q, using UTC: %v\n", c.TimeBehavior.Timezone, err)
		return time.UTC
	}
	return loc
}

// TimePolicyConfig assembles the governor policy config. Call Validate
// first; parse errors here are programming errors.
func (c Config) TimePolicyConfig(loc *time.Location) governor.TimePolicyConfig {
	dayOpen, _ := governor.ParseMinuteOfDay(c.TimeBehavior.SwitchOnTime)
	dayClose, _ := governor.ParseMinuteOfDay(c.TimeBehavior.SwitchOffTime)
	fixedStart, _ := governor.ParseMinuteOfDay(c.TimeBehavior.FixedChargeStart)
	fixedEnd, _ := governor.ParseMinuteOfDay(c.TimeBehavior.FixedChargeEnd)

	return governor.TimePolicyConfig{
		DayOpen:          dayOpen,
		DayClose:         dayClose,
		FixedStart:       fixedStart,
		FixedEnd:         fixedEnd,
		FixedCurrent:     c.TimeBehavior.FixedChargeCurrent,
		ExcessThresholdW: float64(c.TimeBehavior.MinExcessThreshold),
		SOCThreshold:     c.TimeBehavior.BatterySOCThreshold,
		MinCurrent:       c.ChargerLimits.MinCurrent,
		MaxCurrent:       c.ChargerLimits.MaxCurrent,
		Location:         loc,
	}
}

// ChargerConfig assembles the per-charger limits.
func (c Config) ChargerConfig(primary bool) ChargerConfig {
	return ChargerConfig{
		MinCurrentA: c.ChargerLimits.MinCurrent,
		MaxCurrentA: c.ChargerLimits.MaxCurrent,
		VoltageV:    float64(c.ChargerLimits.Voltage),
		Primary:     primary,
	}
}
