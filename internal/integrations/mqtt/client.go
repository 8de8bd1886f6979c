package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"balagruha-offline-sync/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Client verbindet den Knoten mit dem Broker der Host-Shell. Er empfängt
// Konnektivitätsmeldungen und veröffentlicht Replay-Zusammenfassungen.
type Client struct {
	config   config.MQTTConfig
	client   mqtt.Client
	mu       sync.RWMutex
	handlers []ConnectivityHandler
	online   bool
}

// ConnectivityHandler wird bei jeder Änderung der Konnektivität aufgerufen
type ConnectivityHandler func(online bool)

// ConnectivityEvent ist die Nachricht auf dem Konnektivitäts-Topic
type ConnectivityEvent struct {
	Online bool `json:"online"`
}

// NewClient erstellt einen neuen MQTT-Client
func NewClient(cfg config.MQTTConfig) *Client {
	return &Client{config: cfg}
}

// OnConnectivity registriert einen Handler für Konnektivitätsmeldungen
func (c *Client) OnConnectivity(handler ConnectivityHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Start verbindet den Client mit dem Broker
func (c *Client) Start() error {
	if !c.config.Enabled {
		log.Info("MQTT client is disabled in configuration")
		return nil
	}

	opts := mqtt.NewClientOptions()

	brokerURL := fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.config.ClientID)

	// Optionale Authentifizierung
	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetConnectionLostHandler(c.connectionLostHandler)

	// Automatische Wiederverbindung
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	c.client = mqtt.NewClient(opts)

	log.Infof("Connecting to MQTT broker at %s", brokerURL)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to connect to MQTT broker: %v", token.Error())
		return token.Error()
	}

	log.Info("MQTT client connected successfully")
	return nil
}

// Stop beendet den MQTT-Client
func (c *Client) Stop() {
	if c.client != nil && c.client.IsConnected() {
		log.Info("Disconnecting MQTT client...")
		c.client.Disconnect(250) // 250ms Wartezeit
		log.Info("MQTT client disconnected")
	}
}

// IsConnected prüft, ob der Client verbunden ist
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// onConnectHandler abonniert nach jedem (Wieder-)Verbinden das Konnektivitäts-Topic
func (c *Client) onConnectHandler(client mqtt.Client) {
	log.Infof("Connected to MQTT broker at %s:%d", c.config.Broker, c.config.Port)

	topic := c.config.ConnectivityTopic
	if topic == "" {
		return
	}
	log.Infof("Subscribing to MQTT topic: %s", topic)
	if token := client.Subscribe(topic, 1, c.messageHandler); token.Wait() && token.Error() != nil {
		log.Errorf("Failed to subscribe to topic %s: %v", topic, token.Error())
	}
}

// connectionLostHandler wird aufgerufen, wenn die Verbindung verloren geht
func (c *Client) connectionLostHandler(client mqtt.Client, err error) {
	log.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) messageHandler(client mqtt.Client, msg mqtt.Message) {
	c.handleMessage(msg.Topic(), msg.Payload())
}

// handleMessage wertet eine Konnektivitätsmeldung aus. Handler werden bei jeder
// Online-Meldung benachrichtigt, bei Offline-Meldungen nur beim Wechsel.
func (c *Client) handleMessage(topic string, payload []byte) {
	if topic != c.config.ConnectivityTopic {
		return
	}

	online, err := ParseConnectivity(payload)
	if err != nil {
		log.Warnf("Ignoring connectivity message on %s: %v", topic, err)
		return
	}

	c.mu.Lock()
	changed := online != c.online || online
	c.online = online
	handlers := append([]ConnectivityHandler{}, c.handlers...)
	c.mu.Unlock()

	log.WithField("online", online).Info("Connectivity changed")
	if !changed {
		return
	}
	for _, handler := range handlers {
		go handler(online)
	}
}

// Online meldet den zuletzt empfangenen Konnektivitätszustand
func (c *Client) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// ParseConnectivity akzeptiert {"online":true}, "online"/"offline" und "true"/"false"
func ParseConnectivity(payload []byte) (bool, error) {
	trimmed := strings.TrimSpace(string(payload))
	switch strings.ToLower(strings.Trim(trimmed, `"`)) {
	case "online", "true", "1", "up":
		return true, nil
	case "offline", "false", "0", "down":
		return false, nil
	}

	var event ConnectivityEvent
	if err := json.Unmarshal([]byte(trimmed), &event); err != nil {
		return false, fmt.Errorf("unrecognized connectivity payload %q", trimmed)
	}
	return event.Online, nil
}

// PublishMessage veröffentlicht eine Nachricht an ein MQTT-Topic
func (c *Client) PublishMessage(topic string, payload interface{}, retain bool) error {
	if !c.IsConnected() {
		return fmt.Errorf("MQTT client is not connected")
	}

	var payloadBytes []byte
	var err error

	switch p := payload.(type) {
	case string:
		payloadBytes = []byte(p)
	case []byte:
		payloadBytes = p
	default:
		payloadBytes, err = json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal payload to JSON: %w", err)
		}
	}

	token := c.client.Publish(topic, 1, retain, payloadBytes)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message to topic %s: %w", topic, token.Error())
	}

	log.Debugf("Published message to topic: %s", topic)
	return nil
}

// PublishSummary veröffentlicht die Zusammenfassung eines Replay-Durchlaufs (retained)
func (c *Client) PublishSummary(summary interface{}) {
	if c.config.SummaryTopic == "" || !c.IsConnected() {
		return
	}
	if err := c.PublishMessage(c.config.SummaryTopic, summary, true); err != nil {
		log.Warnf("Failed to publish replay summary: %v", err)
	}
}
