package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"github.com/solarhome/chargectl/governor"
)

const cycleLogPath = "chargectl_log.json"

// SafeGo launches a goroutine with panic recovery.
// If the goroutine panics, the context is cancelled and the panic is logged.
func SafeGo(
	ctx context.Context,
	cancel context.CancelFunc,
	name string,
	fn func(ctx context.Context),
) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Panic in %s: %v\n", name, r)
				cancel()
			}
		}()
		fn(ctx)
	}()
}

func main() {
	log.Println("Starting chargectl...")

	// Load .env file for secrets
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v\n", err)
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	loc := cfg.Location()

	// Create context for lifecycle management
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inverter := NewInverterClient(cfg.Solax.IPAddress, cfg.Solax.SerialNumber)

	chargers, err := NewEmporiaClient(cfg.System.CredsFile)
	if err != nil {
		log.Fatalf("Charger API setup failed: %v", err)
	}

	// Discover the charger fleet up front so entities and controllers
	// exist before the first cycle.
	discoverCtx, discoverCancel := context.WithTimeout(ctx, time.Minute)
	snapshot, err := chargers.ListChargers(discoverCtx)
	discoverCancel()
	if err != nil {
		log.Fatalf("Charger discovery failed: %v", err)
	}
	if len(snapshot) == 0 {
		log.Fatal("No chargers found")
	}

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, ok := snapshot[cfg.Chargers.PrimaryCharger]; !ok {
		log.Printf("Warning: primary charger %q not found among %v; no charger gets priority\n",
			cfg.Chargers.PrimaryCharger, names)
	}

	policy := governor.NewTimePolicy(cfg.TimePolicyConfig(loc))
	fleet := NewFleet()
	for _, name := range names {
		primary := name == cfg.Chargers.PrimaryCharger
		controller := NewChargerController(name, cfg.ChargerConfig(primary), policy, chargers)
		controller.Update(snapshot[name])
		fleet.Add(controller)
		log.Printf("Found charger: %s (primary=%t)\n", name, primary)
	}

	// Create channels for communication between workers
	mqttOutgoingChan := make(chan MQTTMessage, 100) // Larger buffer for queuing
	mqttClientChan := make(chan mqtt.Client, 1)     // Buffered to prevent blocking onConnect
	switchChan := make(chan SwitchCommand, 10)
	statusChan := make(chan SystemStatus, 1)
	sender := NewMQTTSender(mqttOutgoingChan)

	// Launch MQTT sender worker (receives client updates via channel)
	SafeGo(ctx, cancel, "mqtt-sender-worker", func(ctx context.Context) {
		mqttSenderWorker(ctx, mqttOutgoingChan, mqttClientChan)
	})

	// Create Home Assistant entities
	log.Println("Creating Home Assistant entities...")
	if err := createInverterSensorEntities(sender); err != nil {
		log.Fatalf("Failed to create inverter entities: %v", err)
	}
	for _, name := range names {
		if err := createChargerEntities(sender, name); err != nil {
			log.Fatalf("Failed to create entities for %s: %v", name, err)
		}
		publishSwitchState(sender, name, fleet.Get(name).UseExcess())
	}
	log.Println("Home Assistant entities created")

	commandTopics := make(map[string]string, len(names))
	for _, name := range names {
		commandTopics[chargerSwitchCommandTopic(name)] = name
	}

	// Launch MQTT worker
	SafeGo(ctx, cancel, "mqtt-worker", func(ctx context.Context) {
		mqttWorker(ctx, cfg.MQTT.Broker, cfg.MQTT.Username, cfg.MQTT.Password,
			commandTopics, switchChan, mqttClientChan)
	})

	// Launch control loop
	loopCfg := ControlLoopConfig{
		Interval:           time.Duration(cfg.System.SleepInterval) * time.Second,
		BufferW:            float64(cfg.System.Buffer),
		BusMaximumW:        float64(cfg.System.BusMaximum),
		BatteryCapacityKWh: cfg.System.BatteryCapacity,
		MinSOC:             cfg.System.MinSOC,
		PowerAvgWindowMin:  cfg.System.PowerAvgWindow,
		DetailedLog:        cfg.System.DetailedLog,
		Verbose:            cfg.Verbose,
		LogPath:            cycleLogPath,
		Location:           loc,
	}
	filter := NewPowerFilter(float64(cfg.System.MaxPowerThreshold))
	SafeGo(ctx, cancel, "control-loop", func(ctx context.Context) {
		controlLoop(ctx, loopCfg, inverter, chargers, fleet, filter, sender, switchChan, statusChan)
	})

	// Optional interactive console
	if cfg.Console {
		SafeGo(ctx, cancel, "debug-worker", func(ctx context.Context) {
			debugWorker(ctx, statusChan)
		})
	}

	// Wait for interrupt signal or context cancellation (from panic)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Println("\nShutting down...")
	case <-ctx.Done():
		log.Println("\nShutting down due to error...")
	}
}
