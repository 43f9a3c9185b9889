package services

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/mhuot/pyvisioniq/config"
	"github.com/mhuot/pyvisioniq/models"
)

// Publisher pushes vehicle state to an MQTT broker as retained JSON so
// consumers like Home Assistant always see the latest values. Sensor
// discovery configs are announced on every (re)connect.
type Publisher struct {
	client mqtt.Client
	prefix string
}

// NewPublisher connects to the configured broker. Publishing is optional;
// callers keep running without it when the connect fails.
func NewPublisher(cfg *config.Config) (*Publisher, error) {
	p := &Publisher{prefix: cfg.MQTTTopicPrefix}

	clientID := fmt.Sprintf("pyvisioniq-%d", time.Now().Unix())
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("WARNING: MQTT connection lost: %v - will attempt to reconnect", err)
	})

	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
		log.Printf("Using authentication for MQTT broker %s (username: %s)", cfg.MQTTBroker, cfg.MQTTUsername)
	}

	p.client = mqtt.NewClient(opts)

	log.Printf("Connecting to MQTT broker at %s...", cfg.MQTTBroker)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}

	return p, nil
}

func (p *Publisher) onConnect(client mqtt.Client) {
	log.Println("Connected to MQTT broker successfully")
	p.publishDiscovery()
}

// PublishSnapshot pushes the battery, location and odometer topics for one
// collection. Absent sections are skipped, never published as empty.
func (p *Publisher) PublishSnapshot(snapshot *models.VehicleSnapshot) {
	timestamp := snapshot.Timestamp.Format(time.RFC3339)

	if snapshot.HasBattery() {
		p.publishJSON(p.prefix+"/battery", map[string]interface{}{
			"level":          snapshot.Battery.Level,
			"is_charging":    snapshot.Battery.IsCharging,
			"is_plugged_in":  snapshot.Battery.IsPluggedIn,
			"charging_power": snapshot.Battery.ChargingPower,
			"range":          snapshot.Battery.Range,
			"is_cached":      snapshot.IsCached,
			"timestamp":      timestamp,
		})
	}

	if snapshot.Location.Latitude != nil && snapshot.Location.Longitude != nil {
		p.publishJSON(p.prefix+"/location", map[string]interface{}{
			"latitude":  snapshot.Location.Latitude,
			"longitude": snapshot.Location.Longitude,
			"timestamp": timestamp,
		})
	}

	if snapshot.Odometer != nil {
		p.publishJSON(p.prefix+"/odometer", map[string]interface{}{
			"odometer":  snapshot.Odometer,
			"timestamp": timestamp,
		})
	}
}

// Close flushes and disconnects.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

func (p *Publisher) publishJSON(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: Failed to encode MQTT payload for %s: %v", topic, err)
		return
	}
	if token := p.client.Publish(topic, 1, true, data); token.Wait() && token.Error() != nil {
		log.Printf("WARNING: MQTT publish to %s failed: %v", topic, token.Error())
	}
}

// ========== HOME ASSISTANT DISCOVERY ==========

type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
}

type discoveryConfig struct {
	Name              string          `json:"name"`
	StateTopic        string          `json:"state_topic"`
	ValueTemplate     string          `json:"value_template"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	DeviceClass       string          `json:"device_class,omitempty"`
	UniqueID          string          `json:"unique_id"`
	Device            discoveryDevice `json:"device"`
}

func (p *Publisher) publishDiscovery() {
	device := discoveryDevice{
		Identifiers:  []string{"pyvisioniq"},
		Name:         "PyVisionIQ",
		Manufacturer: "Hyundai/Kia Bluelink",
	}

	sensors := []struct {
		object string
		config discoveryConfig
	}{
		{"battery_level", discoveryConfig{
			Name:              "EV Battery Level",
			StateTopic:        p.prefix + "/battery",
			ValueTemplate:     "{{ value_json.level }}",
			UnitOfMeasurement: "%",
			DeviceClass:       "battery",
		}},
		{"charging_power", discoveryConfig{
			Name:              "EV Charging Power",
			StateTopic:        p.prefix + "/battery",
			ValueTemplate:     "{{ value_json.charging_power }}",
			UnitOfMeasurement: "kW",
			DeviceClass:       "power",
		}},
		{"battery_range", discoveryConfig{
			Name:              "EV Range",
			StateTopic:        p.prefix + "/battery",
			ValueTemplate:     "{{ value_json.range }}",
			UnitOfMeasurement: "km",
			DeviceClass:       "distance",
		}},
		{"odometer", discoveryConfig{
			Name:              "EV Odometer",
			StateTopic:        p.prefix + "/odometer",
			ValueTemplate:     "{{ value_json.odometer }}",
			UnitOfMeasurement: "km",
			DeviceClass:       "distance",
		}},
	}

	for _, sensor := range sensors {
		sensor.config.UniqueID = "pyvisioniq_" + sensor.object
		sensor.config.Device = device
		topic := fmt.Sprintf("homeassistant/sensor/pyvisioniq_%s/config", sensor.object)
		p.publishJSON(topic, sensor.config)
	}
	log.Printf("Published Home Assistant discovery configs for %d sensors", len(sensors))
}
