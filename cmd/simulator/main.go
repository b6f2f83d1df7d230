package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/fleet-dispatch/internal/config"
	"github.com/ukydev/fleet-dispatch/internal/db"
	"github.com/ukydev/fleet-dispatch/internal/models"
	"github.com/ukydev/fleet-dispatch/internal/telemetry"
)

// Point is a latitude/longitude pair.
type Point struct {
	Lat float64
	Lng float64
}

// Publisher sends one payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type mqttPublisher struct {
	client mqtt.Client
}

func (p *mqttPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

// simConfig holds the simulator settings.
type simConfig struct {
	Broker   string
	ClientID string
	Prefix   string
	Workers  []string
	Base     Point
	RadiusM  float64
	SpeedKmh float64
	Interval time.Duration
}

// simFromConfig takes the broker settings from the service configuration and
// the SIM_* variables for everything else.
func simFromConfig(cfg *config.Config) simConfig {
	sc := simConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: config.GetEnv("SIM_CLIENT_ID", "fleet-simulator"),
		Prefix:   cfg.MQTT.TopicPrefix,
		Base:     Point{Lat: envFloat("SIM_BASE_LAT", 4.7110), Lng: envFloat("SIM_BASE_LNG", -74.0721)},
		RadiusM:  envFloat("SIM_RADIUS_M", 3000),
		SpeedKmh: envFloat("SIM_SPEED_KMH", 35),
		Interval: config.GetEnvAsDuration("SIM_TICK", 5*time.Second),
	}
	if sc.Interval <= 0 {
		sc.Interval = 5 * time.Second
	}
	if sc.Broker == "" {
		sc.Broker = "tcp://localhost:1883"
	}
	sc.Workers = workerIDs(config.GetEnv("SIM_WORKER_IDS", ""), config.GetEnvAsInt("SIM_WORKERS", 10))
	return sc
}

func envFloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(config.GetEnv(key, ""), 64)
	if err != nil {
		return def
	}
	return f
}

// workerIDs uses the explicit comma separated list when given, otherwise
// worker-1..worker-n.
func workerIDs(list string, n int) []string {
	var ids []string
	for _, id := range strings.Split(list, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		return ids
	}
	for i := 1; i <= n; i++ {
		ids = append(ids, fmt.Sprintf("worker-%d", i))
	}
	return ids
}

func jitterLocation(base Point, meters float64, rng *rand.Rand) Point {
	latMetersPerDeg := 111320.0
	lngMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rng.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLng := (rng.Float64()*2 - 1) * (meters / lngMetersPerDeg)
	return Point{Lat: base.Lat + dLat, Lng: base.Lng + dLng}
}

func haversineKm(a, b Point) float64 {
	R := 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return R * c
}

func lerp(a, b Point, t float64) Point {
	return Point{Lat: a.Lat + (b.Lat-a.Lat)*t, Lng: a.Lng + (b.Lng-a.Lng)*t}
}

// WorkerState is one simulated worker walking between random waypoints
// around the base point.
type WorkerState struct {
	WorkerID string
	Position Point
	Target   Point
	SpeedKmh float64
}

// step moves s toward its target by the distance covered in tickSec and
// picks a new waypoint on arrival.
func (s *WorkerState) step(tickSec float64, base Point, radiusM float64, rng *rand.Rand) {
	remKm := s.SpeedKmh * (tickSec / 3600.0)
	left := haversineKm(s.Position, s.Target)
	if left <= remKm || left == 0 {
		s.Position = s.Target
		s.Target = jitterLocation(base, radiusM, rng)
		return
	}
	s.Position = lerp(s.Position, s.Target, remKm/left)
}

// Simulator publishes a location ping per worker on every tick.
type Simulator struct {
	cfg    simConfig
	pub    Publisher
	log    log.FieldLogger
	rng    *rand.Rand
	now    func() time.Time
	states []*WorkerState
}

// NewSimulator places every configured worker near the base point.
func NewSimulator(cfg simConfig, pub Publisher, logger log.FieldLogger, rng *rand.Rand) *Simulator {
	s := &Simulator{cfg: cfg, pub: pub, log: logger, rng: rng, now: time.Now}
	for _, id := range cfg.Workers {
		s.states = append(s.states, &WorkerState{
			WorkerID: id,
			Position: jitterLocation(cfg.Base, cfg.RadiusM, rng),
			Target:   jitterLocation(cfg.Base, cfg.RadiusM, rng),
			SpeedKmh: cfg.SpeedKmh * (0.7 + rng.Float64()*0.6),
		})
	}
	return s
}

func (s *Simulator) topic(workerID string) string {
	t := db.Join(db.WorkerPath(workerID), "location")
	if p := strings.Trim(s.cfg.Prefix, "/"); p != "" {
		t = p + "/" + t
	}
	return t
}

// Tick advances every worker and publishes its position. It returns the
// number of pings that failed to publish.
func (s *Simulator) Tick() int {
	failed := 0
	for _, st := range s.states {
		st.step(s.cfg.Interval.Seconds(), s.cfg.Base, s.cfg.RadiusM, s.rng)
		ts := models.NewTimestamp(s.now())
		payload, err := json.Marshal(telemetry.LocationPing{Lat: st.Position.Lat, Lng: st.Position.Lng, Timestamp: &ts})
		if err != nil {
			s.log.WithError(err).Error("Failed to marshal location ping")
			failed++
			continue
		}
		if err := s.pub.Publish(s.topic(st.WorkerID), payload); err != nil {
			s.log.WithError(err).WithField("worker_id", st.WorkerID).Error("Failed to publish location ping")
			failed++
			continue
		}
		s.log.WithFields(log.Fields{"worker_id": st.WorkerID, "lat": st.Position.Lat, "lng": st.Position.Lng}).Debug("Sent location ping")
	}
	return failed
}

// Run ticks until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	tick := time.NewTicker(s.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Tick()
		}
	}
}

func main() {
	base := config.Load(".env")
	logger := base.NewLogger()
	cfg := simFromConfig(base)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		logger.WithError(token.Error()).WithField("broker", cfg.Broker).Fatal("Failed to connect to MQTT broker")
	}
	defer client.Disconnect(250)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(log.Fields{
		"workers":  len(cfg.Workers),
		"broker":   cfg.Broker,
		"interval": cfg.Interval,
	}).Info("Starting worker location simulation")

	sim := NewSimulator(cfg, &mqttPublisher{client: client}, logger, rand.New(rand.NewSource(time.Now().UnixNano())))
	sim.Run(ctx)
	logger.Info("Simulation stopped")
}
