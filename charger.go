package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// connectedMessages are the charger status messages that mean a vehicle is
// plugged in and the charger will accept commands.
var connectedMessages = map[string]bool{
	"Connected to EV": true,
	"Charging":        true,
	"Please Wait":     true,
}

// chargingLoadThresholdW separates an actively drawing vehicle from one that
// is merely plugged in.
const chargingLoadThresholdW = 100

// ChargerReading is one per-cycle snapshot of a charger as reported by the
// cloud API.
type ChargerReading struct {
	Name      string  `json:"name"`
	DeviceGID int     `json:"device_gid"`
	PowerW    float64 `json:"power_w"`
	CurrentA  int     `json:"current_a"`
	On        bool    `json:"on"`
	Message   string  `json:"message"`
	Status    string  `json:"status"`
	FaultText string  `json:"fault_text"`
	MaxRateA  int     `json:"max_rate_a"`
}

// Connected reports whether the charger is usable this cycle.
func (r ChargerReading) Connected() bool { return connectedMessages[r.Message] }

// Charging reports whether a vehicle is actually drawing power.
func (r ChargerReading) Charging() bool { return r.PowerW > chargingLoadThresholdW }

// ChargerClient is the cloud API surface the control loop depends on. Tests
// substitute a fake.
type ChargerClient interface {
	// ListChargers returns the current snapshot of every charger, keyed
	// by device name.
	ListChargers(ctx context.Context) (map[string]ChargerReading, error)
	// SetCharger commands one charger's on state and charge rate in amps.
	SetCharger(ctx context.Context, deviceGID int, on bool, chargeRateA int) error
}

const (
	emporiaAPIHost   = "https://api.emporiaenergy.com"
	chargerModelName = "VVDN01"
	emporiaTimeout   = 30 * time.Second
)

// emporiaClient talks to the Emporia Vue cloud API. Only devices with the
// EV charger model are surfaced.
type emporiaClient struct {
	host      string
	authToken string
	client    *http.Client
}

type emporiaCredentials struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// NewEmporiaClient reads the token file produced by the vendor's login flow
// and returns a client authenticated with it.
func NewEmporiaClient(credsFile string) (ChargerClient, error) {
	raw, err := os.ReadFile(credsFile)
	if err != nil {
		return nil, fmt.Errorf("charger credentials: %w", err)
	}
	var creds emporiaCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("charger credentials parse: %w", err)
	}
	if creds.IDToken == "" {
		return nil, fmt.Errorf("charger credentials file %s has no id_token", credsFile)
	}
	return &emporiaClient{
		host:      emporiaAPIHost,
		authToken: creds.IDToken,
		client:    &http.Client{Timeout: emporiaTimeout},
	}, nil
}

type emporiaEVCharger struct {
	DeviceGID       int    `json:"deviceGid"`
	ChargerOn       bool   `json:"chargerOn"`
	ChargingRate    int    `json:"chargingRate"`
	MaxChargingRate int    `json:"maxChargingRate"`
	Message         string `json:"message"`
	Status          string `json:"status"`
	FaultText       string `json:"faultText"`
}

type emporiaDevice struct {
	DeviceGID          int    `json:"deviceGid"`
	Model              string `json:"model"`
	LocationProperties struct {
		DeviceName string `json:"deviceName"`
	} `json:"locationProperties"`
	EVCharger *emporiaEVCharger `json:"evCharger"`
	Devices   []emporiaDevice   `json:"devices"`
}

type emporiaDevicesResponse struct {
	Devices []emporiaDevice `json:"devices"`
}

type emporiaUsageResponse struct {
	DeviceListUsages struct {
		Devices []struct {
			DeviceGID     int `json:"deviceGid"`
			ChannelUsages []struct {
				Name  string  `json:"name"`
				Usage float64 `json:"usage"`
			} `json:"channelUsages"`
		} `json:"devices"`
	} `json:"deviceListUsages"`
}

func (c *emporiaClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("authtoken", c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("charger API %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("charger API %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("charger API %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

// collectChargers walks the device tree, which nests sub-devices, and picks
// out EV chargers.
func collectChargers(devices []emporiaDevice, into map[int]emporiaDevice) {
	for _, d := range devices {
		if d.Model == chargerModelName && d.EVCharger != nil {
			into[d.DeviceGID] = d
		}
		collectChargers(d.Devices, into)
	}
}

func (c *emporiaClient) ListChargers(ctx context.Context) (map[string]ChargerReading, error) {
	var devResp emporiaDevicesResponse
	if err := c.do(ctx, http.MethodGet, "/customers/devices", nil, &devResp); err != nil {
		return nil, err
	}

	byGID := make(map[int]emporiaDevice)
	collectChargers(devResp.Devices, byGID)
	if len(byGID) == 0 {
		return map[string]ChargerReading{}, nil
	}

	gids := make([]string, 0, len(byGID))
	for gid := range byGID {
		gids = append(gids, strconv.Itoa(gid))
	}

	query := url.Values{
		"apiMethod":  {"getDeviceListUsage"},
		"deviceGids": {strings.Join(gids, "+")},
		"instant":    {time.Now().UTC().Format(time.RFC3339)},
		"scale":      {"1S"},
		"energyUnit": {"KilowattHours"},
	}
	var usageResp emporiaUsageResponse
	if err := c.do(ctx, http.MethodGet, "/AppAPI?"+query.Encode(), nil, &usageResp); err != nil {
		return nil, err
	}

	// Instantaneous usage arrives as kWh over one second; convert the
	// Main channel to watts.
	wattsByGID := make(map[int]float64)
	for _, dev := range usageResp.DeviceListUsages.Devices {
		for _, ch := range dev.ChannelUsages {
			if ch.Name == "Main" {
				wattsByGID[dev.DeviceGID] = ch.Usage * 3600 * 1000
			}
		}
	}

	out := make(map[string]ChargerReading, len(byGID))
	for gid, dev := range byGID {
		ev := dev.EVCharger
		out[dev.LocationProperties.DeviceName] = ChargerReading{
			Name:      dev.LocationProperties.DeviceName,
			DeviceGID: gid,
			PowerW:    wattsByGID[gid],
			CurrentA:  ev.ChargingRate,
			On:        ev.ChargerOn,
			Message:   ev.Message,
			Status:    ev.Status,
			FaultText: ev.FaultText,
			MaxRateA:  ev.MaxChargingRate,
		}
	}
	return out, nil
}

func (c *emporiaClient) SetCharger(ctx context.Context, deviceGID int, on bool, chargeRateA int) error {
	body := map[string]any{
		"deviceGid":    deviceGID,
		"chargerOn":    on,
		"chargingRate": chargeRateA,
	}
	return c.do(ctx, http.MethodPut, "/devices/evcharger", body, nil)
}
