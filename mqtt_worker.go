package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SwitchCommand is a Home Assistant switch command for one charger's
// "Use Excess Solar" toggle.
type SwitchCommand struct {
	Charger string
	On      bool
}

// mqttWorker manages the MQTT connection. On every (re)connect it hands the
// client to the sender worker and subscribes to the charger switch command
// topics, forwarding commands to the control loop.
func mqttWorker(
	ctx context.Context,
	broker string,
	username, password string,
	commandTopics map[string]string, // topic -> charger name
	switchChan chan<- SwitchCommand,
	clientChan chan<- mqtt.Client,
) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:1883", broker))
	opts.SetClientID("chargectl")
	opts.SetUsername(username)
	opts.SetPassword(password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v\n", err)
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Printf("Connected to MQTT broker at %s\n", broker)

		select {
		case clientChan <- client:
		case <-ctx.Done():
			return
		}

		for topic, charger := range commandTopics {
			charger := charger
			token := client.Subscribe(topic, 0, func(client mqtt.Client, msg mqtt.Message) {
				payload := strings.TrimSpace(string(msg.Payload()))
				cmd := SwitchCommand{Charger: charger, On: strings.EqualFold(payload, "ON")}
				select {
				case switchChan <- cmd:
				case <-ctx.Done():
					return
				}
			})

			if token.Wait() && token.Error() != nil {
				log.Printf("Failed to subscribe to topic %s: %v\n", topic, token.Error())
			} else {
				log.Printf("Subscribed to topic: %s\n", topic)
			}
		}
	})

	client := mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...\n", broker)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("Failed to connect to MQTT broker: %v\n", token.Error())
		return
	}

	<-ctx.Done()

	if client.IsConnected() {
		client.Disconnect(250)
		log.Println("Disconnected from MQTT broker")
	}
}
