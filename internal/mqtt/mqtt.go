// Package mqtt carries command nudges to masters and sensor readings back.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hydrocontrol/internal/models"
	"hydrocontrol/internal/utils"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var log = utils.Component("MQTT")

// Topics.
const (
	CommandTopicFmt = "devices/%s/commands"
	StateTopic      = "devices/+/state"
)

const publishTimeout = 5 * time.Second

// NewMQTTClient creates an MQTT client
func NewMQTTClient(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).Warn("connection lost")
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Infof("connected to %s", broker)
		})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, token.Error()
	}
	return client, nil
}

// publisher is the part of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// CommandMessage is the nudge sent to a master after a command is persisted.
type CommandMessage struct {
	CommandID       int64  `json:"command_id"`
	TargetDeviceID  string `json:"target_device_id,omitempty"`
	SlaveMACAddress string `json:"slave_mac_address,omitempty"`
	RelayNumber     int    `json:"relay_number"`
	Action          string `json:"action"`
	DurationSeconds int    `json:"duration_seconds"`
	Priority        int    `json:"priority"`
	CommandType     string `json:"command_type"`
}

// Notifier publishes command nudges.
type Notifier struct {
	client publisher
}

// NewNotifier wraps a connected client.
func NewNotifier(client mqtt.Client) *Notifier {
	return &Notifier{client: client}
}

// CommandTopic is the topic a master listens on.
func CommandTopic(masterID string) string {
	return fmt.Sprintf(CommandTopicFmt, masterID)
}

// NotifyCommand tells the master about a new pending command.
func (n *Notifier) NotifyCommand(cmd models.RelayCommand) error {
	payload, err := json.Marshal(CommandMessage{
		CommandID:       cmd.ID,
		TargetDeviceID:  cmd.TargetDeviceID,
		SlaveMACAddress: cmd.SlaveMACAddress,
		RelayNumber:     cmd.RelayNumber,
		Action:          string(cmd.Action),
		DurationSeconds: cmd.DurationSeconds,
		Priority:        cmd.Priority,
		CommandType:     string(cmd.CommandType),
	})
	if err != nil {
		return err
	}
	token := n.client.Publish(CommandTopic(cmd.DeviceID), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", CommandTopic(cmd.DeviceID))
	}
	return token.Error()
}

// ReadingsHandler receives one device state payload.
type ReadingsHandler func(ctx context.Context, deviceID string, payload []byte) error

// SubscribeReadings routes every devices/<id>/state message to h.
func SubscribeReadings(client mqtt.Client, h ReadingsHandler) error {
	token := client.Subscribe(StateTopic, 1, onState(h))
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("subscribe to %s timed out", StateTopic)
	}
	if err := token.Error(); err != nil {
		return err
	}
	log.Infof("subscribed to %s", StateTopic)
	return nil
}

func onState(h ReadingsHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		deviceID := utils.ParseDeviceID(msg.Topic())
		if deviceID == "" {
			log.Warnf("ignoring message on %s", msg.Topic())
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h(ctx, deviceID, msg.Payload()); err != nil {
			log.WithError(err).WithField("device", deviceID).Debug("state message not stored")
		}
	}
}
