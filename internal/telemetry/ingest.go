// Package telemetry ingests GPS pings for workers and vehicles from MQTT and
// merges them into the location field of the matching record.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
)

var (
	ErrMalformedTopic   = errors.New("malformed location topic")
	ErrMalformedPayload = errors.New("malformed location payload")
	ErrUnknownRecord    = errors.New("location for unknown record")
)

const (
	connectTimeout = 10 * time.Second
	writeTimeout   = 5 * time.Second
)

// LocationPing is the MQTT payload. Timestamp defaults to the receipt time.
type LocationPing struct {
	Lat       float64           `json:"lat"`
	Lng       float64           `json:"lng"`
	Timestamp *models.Timestamp `json:"timestamp,omitempty"`
}

// Ingestor subscribes to {prefix}/workers/+/location and
// {prefix}/vehicles/+/location.
type Ingestor struct {
	store  db.Store
	prefix string
	log    log.FieldLogger
	now    func() time.Time
	client mqtt.Client
}

// NewIngestor creates an Ingestor writing to store.
func NewIngestor(store db.Store, prefix string, logger log.FieldLogger) *Ingestor {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Ingestor{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.WithField("component", "telemetry"),
		now:    time.Now,
	}
}

// Topics returns the subscription filters.
func (i *Ingestor) Topics() []string {
	return []string{
		i.topic(db.WorkersPath, "+"),
		i.topic(db.VehiclesPath, "+"),
	}
}

func (i *Ingestor) topic(collection, id string) string {
	t := collection + "/" + id + "/location"
	if i.prefix == "" {
		return t
	}
	return i.prefix + "/" + t
}

// Connect connects to broker and subscribes. Subscriptions are renewed on
// every reconnect.
func (i *Ingestor) Connect(broker, clientID string) error {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			for _, topic := range i.Topics() {
				token := c.Subscribe(topic, 1, i.HandleMessage)
				if !token.WaitTimeout(connectTimeout) {
					i.log.WithField("topic", topic).Error("Timed out subscribing")
					continue
				}
				if err := token.Error(); err != nil {
					i.log.WithError(err).WithField("topic", topic).Error("Failed to subscribe")
					continue
				}
				i.log.WithField("topic", topic).Info("Subscribed to location feed")
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			i.log.WithError(err).Warn("MQTT connection lost")
		})

	i.client = mqtt.NewClient(opts)
	token := i.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return nil
}

// Close disconnects from the broker.
func (i *Ingestor) Close() {
	if i.client != nil && i.client.IsConnected() {
		i.client.Disconnect(250)
	}
}

// HandleMessage is the MQTT callback. Bad messages are logged and dropped.
func (i *Ingestor) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	logger := i.log.WithField("topic", msg.Topic())
	if err := i.Ingest(ctx, msg.Topic(), msg.Payload()); err != nil {
		switch {
		case errors.Is(err, ErrMalformedTopic), errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrUnknownRecord),
			errors.Is(err, db.ErrInvalidPath):
			logger.WithError(err).Warn("Dropping location ping")
		default:
			logger.WithError(err).Error("Failed to store location ping")
		}
	}
}

// Ingest decodes one ping and merges it into the record named by topic. A ping
// older than the stored location is ignored.
func (i *Ingestor) Ingest(ctx context.Context, topic string, payload []byte) error {
	path, err := i.parseTopic(topic)
	if err != nil {
		return err
	}

	var ping LocationPing
	if err := json.Unmarshal(payload, &ping); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ping.Lat < -90 || ping.Lat > 90 || ping.Lng < -180 || ping.Lng > 180 {
		return fmt.Errorf("%w: coordinates out of range (%f, %f)", ErrMalformedPayload, ping.Lat, ping.Lng)
	}
	loc := models.Location{Lat: ping.Lat, Lng: ping.Lng, Timestamp: models.NewTimestamp(i.now())}
	if ping.Timestamp != nil && !ping.Timestamp.IsZero() {
		loc.Timestamp = *ping.Timestamp
	}

	var current struct {
		Location *models.Location `bson:"location"`
	}
	if err := i.store.Get(ctx, path, &current); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownRecord, path)
		}
		return err
	}
	if current.Location != nil && loc.Timestamp.Before(current.Location.Timestamp.Time) {
		i.log.WithField("path", path).Debug("Ignoring out of order location ping")
		return nil
	}

	if err := i.store.Merge(ctx, path, bson.M{"location": loc}); err != nil {
		return fmt.Errorf("store location for %s: %w", path, err)
	}
	return nil
}

// parseTopic maps {prefix}/{workers|vehicles}/{id}/location to a record path.
func (i *Ingestor) parseTopic(topic string) (string, error) {
	rest := topic
	if i.prefix != "" {
		if !strings.HasPrefix(topic, i.prefix+"/") {
			return "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
		}
		rest = strings.TrimPrefix(topic, i.prefix+"/")
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "location" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	switch parts[0] {
	case db.WorkersPath:
		return db.WorkerPath(parts[1]), nil
	case db.VehiclesPath:
		return db.VehiclePath(parts[1]), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
}
