package calib

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DetectionHandler is called when a camera detections message arrives for a rig
type DetectionHandler func(rigID string, frame *CameraFrame)

// MQTTClient manages MQTT connection and subscriptions for rig radar frames
type MQTTClient struct {
	client           mqtt.Client
	config           *Config
	messageHandler   MessageHandler
	detectionHandler DetectionHandler
	isConnected      bool
	mu               sync.RWMutex
}

// MessageHandler is called when a radar frame message is received
// Parameters: rigID, rawPayload, frame, error
// rawPayload is provided so callers can archive the original frame bytes
type MessageHandler func(rigID string, rawPayload []byte, frame *RadarFrame, err error)

var (
	globalClient *MQTTClient
	clientMu     sync.Mutex
)

// InitMQTT initializes the global MQTT client with the provided configuration
// If MQTT_BROKER env var is empty, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	clientMu.Lock()
	defer clientMu.Unlock()

	// Check if MQTT is enabled via env var or config
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Rigs) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no rig configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	// Build MQTT client options
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	// Client ID
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "radarcam"
	}
	opts.SetClientID(clientID)

	// Authentication
	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)   // Longer than default 30s to reduce spurious disconnects
	opts.SetPingTimeout(10 * time.Second) // Timeout for ping response
	opts.SetCleanSession(false)           // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)           // Allow concurrent processing

	// Callbacks
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	// Connect asynchronously with retry
	go client.connectWithRetry()

	globalClient = client
	return client, nil
}

// GetMQTTClient returns the global MQTT client instance
func GetMQTTClient() *MQTTClient {
	clientMu.Lock()
	defer clientMu.Unlock()
	return globalClient
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		// Exponential backoff
		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	log.Println("MQTT connected, subscribing to rig topics...")
	c.setConnected(true)

	// Subscribe to all rig topics from config
	for _, rig := range c.config.Rigs {
		if rig.Topic == "" {
			log.Printf("Warning: rig %s has no topic configured", rig.ID)
			continue
		}

		log.Printf("Subscribing to %s for rig %s", rig.Topic, rig.ID)
		token := client.Subscribe(rig.Topic, 0, c.createMessageHandler(rig.ID))

		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("Error subscribing to %s: %v", rig.Topic, token.Error())
		} else {
			log.Printf("Successfully subscribed to %s", rig.Topic)
		}

		// Subscribe to camera detections for trajectory capture
		if cameraTopic, ok := deriveCameraTopic(rig.Topic); ok {
			log.Printf("Subscribing to %s for rig %s detections", cameraTopic, rig.ID)
			cameraToken := client.Subscribe(cameraTopic, 0, c.createCameraMessageHandler(rig.ID))

			if cameraToken.WaitTimeout(5*time.Second) && cameraToken.Error() != nil {
				log.Printf("Error subscribing to %s: %v", cameraTopic, cameraToken.Error())
			} else {
				log.Printf("Successfully subscribed to %s", cameraTopic)
			}
		}
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createMessageHandler creates a handler function for a specific rig's radar topic
func (c *MQTTClient) createMessageHandler(rigID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received radar frame for %s (topic: %s, size: %d bytes)",
			rigID, msg.Topic(), len(payload))

		// Decode the frame (handles the envelope form and the legacy bare array)
		frame, err := ParseRadarFrame(payload)
		if err != nil {
			log.Printf("Error decoding radar frame for %s: %v", rigID, err)
			if c.messageHandler != nil {
				// Pass raw payload so caller can archive the rejected bytes
				c.messageHandler(rigID, payload, nil, err)
			}
			return
		}

		// Call the user's message handler with raw payload and decoded frame
		if c.messageHandler != nil {
			c.messageHandler(rigID, payload, &frame, nil)
		}
	}
}

// SetDetectionHandler registers a callback that is invoked when a camera
// detections message arrives
func (c *MQTTClient) SetDetectionHandler(handler DetectionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detectionHandler = handler
}

// getDetectionHandler returns the current detection handler in a thread-safe manner
func (c *MQTTClient) getDetectionHandler() DetectionHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detectionHandler
}

// deriveCameraTopic converts a radar frame topic to its camera detections topic.
// Example: "radar/rig-a/frames" -> "camera/rig-a/detections"
// Returns the derived topic and true if the conversion succeeded, or empty
// string and false when the topic does not follow the radar/{rig}/... convention.
func deriveCameraTopic(radarTopic string) (string, bool) {
	parts := strings.Split(radarTopic, "/")
	if len(parts) < 3 || parts[0] != "radar" {
		return "", false
	}
	parts[0] = "camera"
	parts[len(parts)-1] = "detections"
	return strings.Join(parts, "/"), true
}

// createCameraMessageHandler creates a handler for camera detections messages
// that forwards parsed frames to the detection handler
func (c *MQTTClient) createCameraMessageHandler(rigID string) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		log.Printf("Received camera detections for %s (topic: %s, size: %d bytes)",
			rigID, msg.Topic(), len(payload))

		// Try parsing as the envelope form {"frame_id": ..., "detections": [...]}
		var frame CameraFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			// Try parsing as a bare detections array
			var detections []CameraDetection
			if err2 := json.Unmarshal(payload, &detections); err2 != nil {
				log.Printf("Error decoding camera detections for %s: %v", rigID, err)
				return
			}
			frame = CameraFrame{Detections: detections}
			log.Printf("Camera payload for %s is a bare array (no frame id)", rigID)
		}

		if len(frame.Detections) == 0 {
			log.Printf("Empty camera frame for %s, skipping", rigID)
			return
		}

		handler := c.getDetectionHandler()
		if handler != nil {
			handler(rigID, &frame)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetRigByTopic returns the rig ID for a given radar topic
func (c *MQTTClient) GetRigByTopic(topic string) (string, bool) {
	for _, rig := range c.config.Rigs {
		if rig.Topic == topic {
			return rig.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}
