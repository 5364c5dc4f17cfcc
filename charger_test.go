package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChargerReadingConnected(t *testing.T) {
	tests := []struct {
		message  string
		expected bool
	}{
		{"Connected to EV", true},
		{"Charging", true},
		{"Please Wait", true},
		{"No Vehicle", false},
		{"", false},
		{"charging", false}, // messages are exact
	}

	for _, tt := range tests {
		r := ChargerReading{Message: tt.message}
		assert.Equal(t, tt.expected, r.Connected(), "message=%q", tt.message)
	}
}

func TestChargerReadingCharging(t *testing.T) {
	assert.False(t, ChargerReading{PowerW: 0}.Charging())
	assert.False(t, ChargerReading{PowerW: 100}.Charging(), "threshold itself is idle")
	assert.True(t, ChargerReading{PowerW: 101}.Charging())
	assert.True(t, ChargerReading{PowerW: 7200}.Charging())
}

func TestCollectChargersWalksNestedDevices(t *testing.T) {
	ev := &emporiaEVCharger{DeviceGID: 2, ChargingRate: 16}
	devices := []emporiaDevice{
		{DeviceGID: 1, Model: "VUE02"}, // energy monitor, not a charger
		{
			DeviceGID: 10, Model: "VUE02",
			Devices: []emporiaDevice{
				{DeviceGID: 2, Model: chargerModelName, EVCharger: ev},
			},
		},
		{DeviceGID: 3, Model: chargerModelName, EVCharger: nil}, // no charger payload
	}

	found := make(map[int]emporiaDevice)
	collectChargers(devices, found)

	assert.Len(t, found, 1)
	assert.Equal(t, ev, found[2].EVCharger)
}
