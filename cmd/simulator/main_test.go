package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/fleet-compliance/internal/models"
	"github.com/ukydev/fleet-compliance/internal/telematics"
)

var simStart = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func newSim(faultRate float64) *DriverSim {
	return NewDriverSim(1, faultRate, rand.New(rand.NewSource(42)))
}

func typesOf(msgs []telematics.DeviceMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestJitterLocation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := cities[0]
	for i := 0; i < 100; i++ {
		loc := jitterLocation(rng, base, 500)
		assert.LessOrEqual(t, haversineKm(base, loc), 0.75)
	}
}

func TestHaversineKm(t *testing.T) {
	lexington, cincinnati := cities[0], cities[1]
	assert.InDelta(t, 120, haversineKm(lexington, cincinnati), 10)
	assert.Zero(t, haversineKm(lexington, lexington))
}

func TestDriverSim_Start(t *testing.T) {
	s := newSim(0)
	msgs := s.Start(simStart)
	require.Len(t, msgs, 2)
	assert.Equal(t, telematics.TypeDriverLogin, msgs[0].Type)
	assert.Equal(t, telematics.TypeDutyStatus, msgs[1].Type)
	assert.Equal(t, models.StatusOffDuty, msgs[1].DutyStatus)
	assert.Equal(t, "sim-driver-1", msgs[1].DriverID)
	assert.Equal(t, "sim-truck-1", msgs[1].VehicleID)
}

func TestDriverSim_DutyDay(t *testing.T) {
	s := newSim(0)
	startOdo := s.OdometerMi
	now := simStart

	var statuses []models.DutyStatus
	counts := map[string]int{}
	last := simStart
	for i := 0; i < 61; i++ {
		now = now.Add(time.Minute)
		for _, m := range s.Step(now, time.Minute) {
			counts[m.Type]++
			assert.False(t, m.Timestamp.Before(last))
			last = m.Timestamp
			if m.Type == telematics.TypeDutyStatus {
				statuses = append(statuses, m.DutyStatus)
			}
		}
	}

	assert.Equal(t, []models.DutyStatus{
		models.StatusOnDutyNotDriving,
		models.StatusDriving,
		models.StatusOnDutyNotDriving,
		models.StatusDriving,
		models.StatusOnDutyNotDriving,
		models.StatusOffDuty,
	}, statuses)
	assert.Equal(t, 1, counts[telematics.TypeEngineOn])
	assert.Equal(t, 1, counts[telematics.TypeEngineOff])
	assert.Positive(t, counts[telematics.TypeLocationUpdate])
	assert.Zero(t, counts[telematics.TypeMalfunction])
	assert.Greater(t, s.OdometerMi, startOdo)
	assert.Greater(t, s.EngineHours, 0.0)
}

func TestDriverSim_EngineOnPrecedesStatus(t *testing.T) {
	s := newSim(0)
	var msgs []telematics.DeviceMessage
	for i := 0; i < 6; i++ {
		msgs = s.Step(simStart.Add(time.Duration(i)*time.Minute), time.Minute)
	}
	assert.Equal(t, []string{telematics.TypeEngineOn, telematics.TypeDutyStatus}, typesOf(msgs))
}

func TestDriverSim_FaultRaisedAndCleared(t *testing.T) {
	s := newSim(1)
	first := s.Step(simStart, time.Minute)
	require.Equal(t, []string{telematics.TypeMalfunction}, typesOf(first))
	assert.False(t, first[0].Cleared)
	assert.Equal(t, models.FaultWarning, first[0].Severity)

	var cleared []telematics.DeviceMessage
	for i := 1; i <= faultClearTicks; i++ {
		for _, m := range s.Step(simStart.Add(time.Duration(i)*time.Minute), time.Minute) {
			if m.Type == telematics.TypeMalfunction {
				cleared = append(cleared, m)
			}
		}
	}
	require.Len(t, cleared, 1)
	assert.True(t, cleared[0].Cleared)
	assert.Equal(t, "P", cleared[0].Code)
}

func TestLoadSimConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want simConfig
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: simConfig{Broker: "tcp://localhost:1883", ClientID: "eld-simulator", DriverPIN: "1234", FleetSize: 5, Interval: 2 * time.Second, FaultRate: 0.002},
		},
		{
			name: "overrides",
			env:  map[string]string{"MQTT_BROKER": "tcp://mq:1883", "FLEET_SIZE": "12", "SIM_TICK_SECONDS": "5", "SIM_FAULT_RATE": "0.5", "API_BASE_URL": "http://api/api"},
			want: simConfig{Broker: "tcp://mq:1883", ClientID: "eld-simulator", APIURL: "http://api/api", DriverPIN: "1234", FleetSize: 12, Interval: 5 * time.Second, FaultRate: 0.5},
		},
		{
			name: "invalid values keep defaults",
			env:  map[string]string{"FLEET_SIZE": "many", "SIM_TICK_SECONDS": "0", "SIM_FAULT_RATE": "2"},
			want: simConfig{Broker: "tcp://localhost:1883", ClientID: "eld-simulator", DriverPIN: "1234", FleetSize: 5, Interval: 2 * time.Second, FaultRate: 0.002},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := loadSimConfig(func(k string) string { return tt.env[k] })
			assert.Equal(t, tt.want, got)
		})
	}
}

type captureBroker struct {
	mu     sync.Mutex
	topics []string
	msgs   []telematics.DeviceMessage
}

func (b *captureBroker) Publish(topic string, payload []byte) error {
	var m telematics.DeviceMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.msgs = append(b.msgs, m)
	return nil
}

func (b *captureBroker) Subscribe(string, telematics.Handler) error { return nil }

func (b *captureBroker) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func TestPublish(t *testing.T) {
	b := &captureBroker{}
	s := newSim(0)
	publish(b, s.Start(simStart))

	require.Len(t, b.msgs, 2)
	assert.Equal(t, "eld/sim-driver-1/events", b.topics[0])
	assert.Equal(t, models.StatusOffDuty, b.msgs[1].DutyStatus)
}

func TestRunFleet_StopsOnCancel(t *testing.T) {
	b := &captureBroker{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runFleet(ctx, b, []*DriverSim{newSim(0)}, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return b.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runFleet did not stop")
	}
}

func TestRegisterDriver(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusCreated, false},
		{"already exists", http.StatusBadRequest, false},
		{"forbidden", http.StatusForbidden, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/drivers", r.URL.Path)
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				var req models.RegisterRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "sim-driver-1", req.ID)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"user already exists"}`))
			}))
			defer server.Close()

			err := registerDriver(server.URL+"/api", "tok", newSim(0), "1234")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
