package calib

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ProjectedFrame is the wire form of one rig's latest radar frame after
// projection into the image plane.
type ProjectedFrame struct {
	RigID     string            `json:"rig_id"`
	FrameID   int               `json:"frame_id"`
	Targets   []ProjectedTarget `json:"targets"`
	Timestamp int64             `json:"timestamp"`
}

// Publisher manages publishing projected radar frames to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	frames        map[string]*ProjectedFrame
	mu            sync.RWMutex
}

// NewPublisher creates a new projection publisher
// If client is nil, publishing is disabled (for testing)
// The MQTT_PUBLISH_PREFIX env var overrides the configured prefix
func NewPublisher(client mqtt.Client, configPrefix string) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = configPrefix
	}
	if prefix == "" {
		prefix = "radarcam"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,    // QoS 0 for frame updates (fire and forget)
		retain:        true, // Retain for latest frame
		frames:        make(map[string]*ProjectedFrame),
	}
}

// PublishProjected publishes one rig's projected radar frame to MQTT
// Publishes to both the rig topic and the combined projected topic
func (p *Publisher) PublishProjected(rigID string, frameID int, targets []ProjectedTarget) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	frame := &ProjectedFrame{
		RigID:     rigID,
		FrameID:   frameID,
		Targets:   targets,
		Timestamp: time.Now().Unix(),
	}

	// Store frame for combined message
	p.mu.Lock()
	p.frames[rigID] = frame
	p.mu.Unlock()

	// Publish to individual topic: radarcam/{rigID}/projected
	if err := p.publishIndividual(frame); err != nil {
		log.Printf("Error publishing projected frame for %s: %v", rigID, err)
		return err
	}

	// Publish to combined topic: radarcam/projected
	if err := p.publishCombined(); err != nil {
		log.Printf("Error publishing combined frames: %v", err)
		return err
	}

	return nil
}

// publishIndividual publishes a single rig's projected frame to its topic
func (p *Publisher) publishIndividual(frame *ProjectedFrame) error {
	topic := fmt.Sprintf("%s/%s/projected", p.publishPrefix, frame.RigID)

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling projected frame: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published %d projected targets for %s (frame %d)",
		len(frame.Targets), frame.RigID, frame.FrameID)
	return nil
}

// publishCombined publishes all rigs' latest frames to the combined topic
func (p *Publisher) publishCombined() error {
	p.mu.RLock()
	frames := make([]*ProjectedFrame, 0, len(p.frames))
	for _, frame := range p.frames {
		frames = append(frames, frame)
	}
	p.mu.RUnlock()

	if len(frames) == 0 {
		return nil
	}

	topic := fmt.Sprintf("%s/projected", p.publishPrefix)

	// Create combined message
	message := map[string]interface{}{
		"rigs":      frames,
		"timestamp": time.Now().Unix(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined frames: %w", err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// PublishCalibration publishes a calibration record to the calibration topic
// The record is retained so late subscribers always see the latest calibration
func (p *Publisher) PublishCalibration(rec CalibrationRecord) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/calibration", p.publishPrefix)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling calibration record: %w", err)
	}

	token := p.client.Publish(topic, p.qos, true, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	log.Printf("Published calibration record (pitch=%.2f°, height=%.2fm)",
		rec.Camera.Pitch, rec.Camera.Height)
	return nil
}

// PublishAnnotationStatus publishes the session snapshot to the annotations topic
// Retained so dashboards joining late see the current workflow state
func (p *Publisher) PublishAnnotationStatus(snap SessionSnapshot) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := fmt.Sprintf("%s/annotations", p.publishPrefix)

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling session snapshot: %w", err)
	}

	token := p.client.Publish(topic, p.qos, true, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	return nil
}

// GetFrame returns the last published frame for a rig
func (p *Publisher) GetFrame(rigID string) (*ProjectedFrame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	frame, ok := p.frames[rigID]
	return frame, ok
}

// GetAllFrames returns all rigs' last published frames
func (p *Publisher) GetAllFrames() map[string]*ProjectedFrame {
	p.mu.RLock()
	defer p.mu.RUnlock()

	// Return a copy to avoid race conditions
	frames := make(map[string]*ProjectedFrame, len(p.frames))
	for id, frame := range p.frames {
		frameCopy := *frame
		frames[id] = &frameCopy
	}
	return frames
}

// ClearFrame removes a rig's frame (e.g., when offline)
func (p *Publisher) ClearFrame(rigID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frames, rigID)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// PublishRadarFrame projects a raw radar frame through the store and
// publishes the result
// This is a convenience function for the main service loop
func (p *Publisher) PublishRadarFrame(rigID string, frame RadarFrame, store *CalibrationStore) error {
	// Project targets into the image plane, dropping degenerate ones
	targets := store.ProjectTargets(frame.Targets)

	return p.PublishProjected(rigID, frame.FrameID, targets)
}
