package main

import (
	"context"
	"log"
	"strconv"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTMessage represents an outgoing MQTT message
type MQTTMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTSender wraps the outgoing channel with publish helpers so callers
// don't deal with message framing.
type MQTTSender struct {
	outgoing chan<- MQTTMessage
}

func NewMQTTSender(outgoing chan<- MQTTMessage) *MQTTSender {
	return &MQTTSender{outgoing: outgoing}
}

// Publish enqueues a message. Discovery configs are sent retained so Home
// Assistant picks them up after restarts.
func (s *MQTTSender) Publish(topic string, payload []byte, retain bool) {
	var qos byte
	if retain {
		qos = 2
	}
	s.outgoing <- MQTTMessage{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}
}

// PublishState sends a plain state value to a state topic.
func (s *MQTTSender) PublishState(topic, value string) {
	s.Publish(topic, []byte(value), false)
}

// PublishFloat sends a numeric state with minimal formatting.
func (s *MQTTSender) PublishFloat(topic string, value float64) {
	s.PublishState(topic, strconv.FormatFloat(value, 'f', -1, 64))
}

// PublishInt sends an integer state.
func (s *MQTTSender) PublishInt(topic string, value int) {
	s.PublishState(topic, strconv.Itoa(value))
}

// mqttSenderWorker serializes outgoing publishes. Messages queue in memory
// until a connected client arrives on clientChan; reconnects deliver a fresh
// client and the queue drains.
func mqttSenderWorker(ctx context.Context, outgoingChan <-chan MQTTMessage, clientChan <-chan mqtt.Client) {
	log.Println("MQTT sender worker started")

	var client mqtt.Client
	var queue []MQTTMessage

	publish := func(msg MQTTMessage) bool {
		token := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
		token.Wait()
		if token.Error() != nil {
			log.Printf("Failed to publish to %s: %v\n", msg.Topic, token.Error())
			return false
		}
		return true
	}

	for {
		select {
		case newClient := <-clientChan:
			client = newClient
			log.Printf("MQTT sender got client, flushing %d queued messages\n", len(queue))
			for _, msg := range queue {
				publish(msg)
			}
			queue = nil

		case msg := <-outgoingChan:
			if client == nil || !client.IsConnected() {
				queue = append(queue, msg)
				continue
			}
			publish(msg)

		case <-ctx.Done():
			log.Println("MQTT sender worker stopped")
			return
		}
	}
}
