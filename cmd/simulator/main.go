package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/ukydev/fleet-compliance/internal/telematics"
)

// Depots for realistic routes
var cities = []models.Location{
	{Lat: 38.0406, Lon: -84.5037},  // Lexington
	{Lat: 39.1031, Lon: -84.5120},  // Cincinnati
	{Lat: 38.2527, Lon: -85.7585},  // Louisville
	{Lat: 36.1627, Lon: -86.7816},  // Nashville
	{Lat: 39.7684, Lon: -86.1581},  // Indianapolis
	{Lat: 39.9612, Lon: -82.9988},  // Columbus
	{Lat: 41.8781, Lon: -87.6298},  // Chicago
	{Lat: 35.1495, Lon: -90.0490},  // Memphis
	{Lat: 33.7490, Lon: -84.3880},  // Atlanta
	{Lat: 38.6270, Lon: -90.1994},  // St. Louis
	{Lat: 32.7767, Lon: -96.7970},  // Dallas
	{Lat: 40.4406, Lon: -79.9959},  // Pittsburgh
	{Lat: 35.2271, Lon: -80.8431},  // Charlotte
	{Lat: 42.3314, Lon: -83.0458},  // Detroit
	{Lat: 39.0997, Lon: -94.5786},  // Kansas City
	{Lat: 34.0522, Lon: -118.2437}, // Los Angeles
}

func jitterLocation(rng *rand.Rand, base models.Location, meters float64) models.Location {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rng.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rng.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return models.Location{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

func haversineKm(a, b models.Location) float64 {
	R := 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
	return R * c
}

func lerp(a, b models.Location, t float64) models.Location {
	return models.Location{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

// --- Duty cycle ---

// phase is one leg of the simulated duty day, measured in ticks.
type phase struct {
	Status models.DutyStatus
	Ticks  int
}

// dutyDay is a pre-trip, two driving stints split by a break, and rest.
var dutyDay = []phase{
	{models.StatusOffDuty, 6},
	{models.StatusOnDutyNotDriving, 2},
	{models.StatusDriving, 24},
	{models.StatusOnDutyNotDriving, 3},
	{models.StatusDriving, 24},
	{models.StatusOnDutyNotDriving, 2},
}

const (
	locationEveryTicks = 5
	faultClearTicks    = 10
	kmPerMile          = 1.609344
)

// DriverSim is one simulated driver and truck.
type DriverSim struct {
	DriverID  string
	VehicleID string

	Position    models.Location
	Destination models.Location
	SpeedKmh    float64
	OdometerMi  float64
	EngineHours float64

	phase      int
	phaseTicks int
	tick       int
	faultTicks int

	faultRate float64
	rng       *rand.Rand
}

// NewDriverSim places a driver at a random depot, off duty.
func NewDriverSim(index int, faultRate float64, rng *rand.Rand) *DriverSim {
	start := jitterLocation(rng, cities[rng.Intn(len(cities))], 500)
	s := &DriverSim{
		DriverID:   fmt.Sprintf("sim-driver-%d", index),
		VehicleID:  fmt.Sprintf("sim-truck-%d", index),
		Position:   start,
		SpeedKmh:   80 + rng.Float64()*20,
		OdometerMi: 100000 + float64(rng.Intn(200000)),
		faultRate:  faultRate,
		rng:        rng,
	}
	s.pickDestination()
	return s
}

func (s *DriverSim) status() models.DutyStatus { return dutyDay[s.phase].Status }

func (s *DriverSim) pickDestination() {
	for i := 0; i < 10; i++ {
		cand := cities[s.rng.Intn(len(cities))]
		if haversineKm(s.Position, cand) > 50 {
			s.Destination = jitterLocation(s.rng, cand, 500)
			return
		}
	}
	s.Destination = jitterLocation(s.rng, s.Position, 20000)
}

func (s *DriverSim) message(kind string, now time.Time) telematics.DeviceMessage {
	odo := math.Round(s.OdometerMi*10) / 10
	hours := math.Round(s.EngineHours*100) / 100
	loc := s.Position
	return telematics.DeviceMessage{
		MessageID:   fmt.Sprintf("%s-%d-%s", s.DriverID, s.tick, kind),
		Type:        kind,
		DriverID:    s.DriverID,
		VehicleID:   s.VehicleID,
		Timestamp:   now.UTC(),
		Odometer:    &odo,
		EngineHours: &hours,
		Location:    &loc,
	}
}

// Start returns the messages that open the log: a login and the first
// duty status.
func (s *DriverSim) Start(now time.Time) []telematics.DeviceMessage {
	status := s.message(telematics.TypeDutyStatus, now)
	status.DutyStatus = s.status()
	return []telematics.DeviceMessage{s.message(telematics.TypeDriverLogin, now), status}
}

// Step advances the simulation by one tick of dt and returns the device
// messages it produced.
func (s *DriverSim) Step(now time.Time, dt time.Duration) []telematics.DeviceMessage {
	s.tick++
	var out []telematics.DeviceMessage

	engineRunning := s.status() != models.StatusOffDuty
	if engineRunning {
		s.EngineHours += dt.Hours()
	}
	if s.status() == models.StatusDriving {
		s.drive(dt)
		if s.tick%locationEveryTicks == 0 {
			out = append(out, s.message(telematics.TypeLocationUpdate, now))
		}
	}

	out = append(out, s.faults(now)...)

	s.phaseTicks++
	if s.phaseTicks < dutyDay[s.phase].Ticks {
		return out
	}
	prev := s.status()
	s.phase = (s.phase + 1) % len(dutyDay)
	s.phaseTicks = 0
	next := s.status()

	if prev == models.StatusOffDuty && next != models.StatusOffDuty {
		out = append(out, s.message(telematics.TypeEngineOn, now))
	}
	change := s.message(telematics.TypeDutyStatus, now)
	change.DutyStatus = next
	out = append(out, change)
	if next == models.StatusOffDuty {
		out = append(out, s.message(telematics.TypeEngineOff, now))
	}
	return out
}

func (s *DriverSim) drive(dt time.Duration) {
	// small speed noise
	s.SpeedKmh += (s.rng.Float64()*2 - 1) * 1.5
	s.SpeedKmh = math.Max(60, math.Min(105, s.SpeedKmh))

	km := s.SpeedKmh * dt.Hours()
	left := haversineKm(s.Position, s.Destination)
	if left <= km || left == 0 {
		s.Position = s.Destination
		s.pickDestination()
	} else {
		s.Position = lerp(s.Position, s.Destination, km/left)
	}
	s.OdometerMi += km / kmPerMile
}

// faults occasionally raises a power malfunction and clears it a few ticks
// later.
func (s *DriverSim) faults(now time.Time) []telematics.DeviceMessage {
	if s.faultTicks > 0 {
		s.faultTicks--
		if s.faultTicks == 0 {
			m := s.message(telematics.TypeMalfunction, now)
			m.Code, m.Cleared = "P", true
			return []telematics.DeviceMessage{m}
		}
		return nil
	}
	if s.faultRate <= 0 || s.rng.Float64() >= s.faultRate {
		return nil
	}
	s.faultTicks = faultClearTicks
	m := s.message(telematics.TypeMalfunction, now)
	m.Code = "P"
	m.Description = "power data diagnostic"
	m.Severity = models.FaultWarning
	return []telematics.DeviceMessage{m}
}

func publish(broker telematics.Broker, msgs []telematics.DeviceMessage) {
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			log.WithError(err).Error("Failed to marshal device message")
			continue
		}
		if err := broker.Publish(telematics.DriverEventsTopic(m.DriverID), data); err != nil {
			log.WithError(err).WithField("driver_id", m.DriverID).Error("Failed to publish device message")
			continue
		}
		log.WithFields(log.Fields{"driver_id": m.DriverID, "type": m.Type, "status": m.DutyStatus}).Debug("Published device message")
	}
}

func authorizedPost(url, token string, body *bytes.Buffer) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

// registerDriver creates the simulated driver's account so the engine
// accepts its device messages. An account that already exists is fine.
func registerDriver(apiURL, token string, s *DriverSim, pin string) error {
	data, err := json.Marshal(models.RegisterRequest{
		ID:        s.DriverID,
		Name:      "Simulated " + s.DriverID,
		CarrierID: "sim-carrier",
		PIN:       pin,
		Role:      models.RoleDriver,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal driver: %w", err)
	}
	resp, err := authorizedPost(apiURL+"/drivers", token, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to register driver: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		log.WithFields(log.Fields{"driver_id": s.DriverID, "vehicle_id": s.VehicleID}).Info("Registered driver")
		return nil
	case http.StatusBadRequest, http.StatusConflict:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		log.WithFields(log.Fields{"driver_id": s.DriverID, "reason": body.Message}).Info("Driver not registered, assuming it exists")
		return nil
	default:
		return fmt.Errorf("driver registration failed with status: %d", resp.StatusCode)
	}
}

// simConfig is read from the environment.
type simConfig struct {
	Broker    string
	ClientID  string
	APIURL    string
	AuthToken string
	DriverPIN string
	FleetSize int
	Interval  time.Duration
	FaultRate float64
	LogLevel  string
}

func loadSimConfig(getenv func(string) string) simConfig {
	cfg := simConfig{
		Broker:    getenv("MQTT_BROKER"),
		ClientID:  getenv("MQTT_CLIENT_ID"),
		FleetSize: 5,
		Interval:  2 * time.Second,
		FaultRate: 0.002,
		LogLevel:  getenv("LOG_LEVEL"),
		APIURL:    getenv("API_BASE_URL"),
		AuthToken: getenv("SIM_AUTH_TOKEN"),
		DriverPIN: getenv("SIM_DRIVER_PIN"),
	}
	if cfg.DriverPIN == "" {
		cfg.DriverPIN = "1234"
	}
	if cfg.Broker == "" {
		cfg.Broker = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "eld-simulator"
	}
	if val := getenv("FLEET_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n >= 0 {
			cfg.FleetSize = n
		}
	}
	if v := getenv("SIM_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Interval = time.Duration(n) * time.Second
		}
	}
	if v := getenv("SIM_FAULT_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.FaultRate = f
		}
	}
	return cfg
}

func runFleet(ctx context.Context, broker telematics.Broker, sims []*DriverSim, interval time.Duration) {
	now := time.Now()
	for _, s := range sims {
		publish(broker, s.Start(now))
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			for _, s := range sims {
				publish(broker, s.Step(now, interval))
			}
		}
	}
}

func main() {
	cfg := loadSimConfig(os.Getenv)
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	broker, err := telematics.Dial(telematics.BrokerConfig{URL: cfg.Broker, ClientID: cfg.ClientID})
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to MQTT broker")
	}
	defer broker.Close()

	log.WithFields(log.Fields{
		"fleet_size": cfg.FleetSize,
		"broker":     cfg.Broker,
		"interval":   cfg.Interval,
	}).Info("Starting ELD simulation")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	sims := make([]*DriverSim, 0, cfg.FleetSize)
	for i := 0; i < cfg.FleetSize; i++ {
		s := NewDriverSim(i+1, cfg.FaultRate, rng)
		if cfg.APIURL != "" {
			if err := registerDriver(cfg.APIURL, cfg.AuthToken, s, cfg.DriverPIN); err != nil {
				log.WithError(err).WithField("driver_id", s.DriverID).Error("Skipping driver")
				continue
			}
		}
		sims = append(sims, s)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runFleet(ctx, broker, sims, cfg.Interval)
	log.Info("Simulation stopped")
}
