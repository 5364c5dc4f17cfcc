package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// debugWorker runs an interactive console over the last published
// SystemStatus. It only ever reads cycle snapshots from statusChan, never
// the live controllers, so it stays off the control loop's state.
func debugWorker(ctx context.Context, statusChan <-chan SystemStatus) {
	rl, err := readline.New("chargectl> ")
	if err != nil {
		log.Printf("Debug console unavailable: %v\n", err)
		return
	}
	defer rl.Close()

	var mu sync.Mutex
	var latest *SystemStatus
	go func() {
		for {
			select {
			case s := <-statusChan:
				mu.Lock()
				latest = &s
				mu.Unlock()
			case <-ctx.Done():
				rl.Close()
				return
			}
		}
	}()

	log.Println("Debug console started (type 'help')")

	for {
		line, err := rl.Readline()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		mu.Lock()
		snapshot := latest
		mu.Unlock()

		switch strings.TrimSpace(line) {
		case "":

		case "status":
			if snapshot == nil {
				fmt.Println("no cycle completed yet")
				continue
			}
			fmt.Println(snapshot.StatusLine())

		case "chargers":
			if snapshot == nil {
				fmt.Println("no cycle completed yet")
				continue
			}
			for _, c := range snapshot.Chargers {
				role := "secondary"
				if c.Primary {
					role = "primary"
				}
				fmt.Printf("%-16s %-9s connected=%-5t charging=%-5t %2dA %6.0fW proposed=%dA on=%t\n",
					c.Name, role, c.Connected, c.Charging, c.CurrentA, c.PowerW, c.ProposedA, c.ProposedOn)
			}

		case "battery":
			if snapshot == nil {
				fmt.Println("no cycle completed yet")
				continue
			}
			fmt.Printf("SOC %d%% | %.1fV | %dC | avg %+.2fkW | full %s | empty %s\n",
				snapshot.BatterySOC, snapshot.BatteryVoltageV, snapshot.BatteryTemperatureC,
				snapshot.BatteryPowerKW, snapshot.TimeToCharged, snapshot.TimeToDepleted)

		case "help":
			fmt.Println("commands: status, chargers, battery, help")

		default:
			fmt.Printf("unknown command %q (try 'help')\n", strings.TrimSpace(line))
		}
	}
}
