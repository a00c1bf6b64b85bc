package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"greenhouse/internal/bus"
	"greenhouse/internal/db"
	"greenhouse/internal/models"
	"greenhouse/internal/mqtt"
)

type fakeStore struct {
	mu            sync.Mutex
	readings      []*models.SensorReading
	sensors       map[string]*models.Sensor
	devices       map[string]*models.DeviceState
	statuses      []models.DeviceStatus
	insertFails   int // remaining InsertReading calls to fail
	insertAttempt int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sensors: make(map[string]*models.Sensor),
		devices: make(map[string]*models.DeviceState),
	}
}

func (s *fakeStore) InsertReading(_ context.Context, r *models.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertAttempt++
	if s.insertFails > 0 {
		s.insertFails--
		return errors.New("connection refused")
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *fakeStore) GetSensorByHardwareID(_ context.Context, hardwareID string) (*models.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sensor, ok := s.sensors[hardwareID]; ok {
		return sensor, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) RegisterSensor(_ context.Context, sensor *models.Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors[sensor.HardwareID] = sensor
	return nil
}

func (s *fakeStore) GetDeviceByHardwareID(_ context.Context, hardwareID string) (*models.DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[hardwareID]; ok {
		copied := *d
		return &copied, nil
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) UpdateDeviceStatus(_ context.Context, id string, status models.DeviceStatus, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.ID == id {
			d.Status = status
			s.statuses = append(s.statuses, status)
			return nil
		}
	}
	return db.ErrNotFound
}

// fakeCache records write order relative to the store so the
// store-before-cache ordering is observable.
type fakeCache struct {
	mu          sync.Mutex
	latest      map[string]float64 // "sensor/metric" -> value
	storeAtSet  int                // store row count at first SetLatest
	history     int
	firstLatest bool
	store       *fakeStore
}

func newFakeCache(store *fakeStore) *fakeCache {
	return &fakeCache{latest: make(map[string]float64), store: store}
}

func (c *fakeCache) SetLatest(_ context.Context, sensorID, metric string, value float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.firstLatest {
		c.firstLatest = true
		c.store.mu.Lock()
		c.storeAtSet = len(c.store.readings)
		c.store.mu.Unlock()
	}
	c.latest[sensorID+"/"+metric] = value
	return nil
}

func (c *fakeCache) PushHistory(context.Context, string, string, float64, time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history++
	return nil
}

type fakeAcks struct {
	mu      sync.Mutex
	pending map[string]string // device id -> action id
}

func (a *fakeAcks) ResolveAck(_ context.Context, deviceID string) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.pending[deviceID]; ok {
		delete(a.pending, deviceID)
		return id, true, nil
	}
	return "", false, nil
}

func newTestPipeline(t *testing.T, store *fakeStore, cache *fakeCache, acks *fakeAcks) (*Pipeline, *bus.Bus) {
	t.Helper()
	if acks == nil {
		acks = &fakeAcks{}
	}
	events := bus.NewBus(16, zap.NewNop())
	return NewPipeline(store, cache, events, acks, 2, 8, zap.NewNop()), events
}

func TestIngestReadingStoresBeforeCache(t *testing.T) {
	store := newFakeStore()
	store.sensors["gh-a1"] = &models.Sensor{ID: "s1", HardwareID: "gh-a1", Type: models.SensorClimate}
	cache := newFakeCache(store)
	p, events := newTestPipeline(t, store, cache, nil)

	sub := events.Subscribe(bus.ChannelReadings)
	defer sub.Close()

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "gh-a1", Kind: mqtt.KindData}
	err := p.Ingest(context.Background(), topic, []byte(`{"temperature": 21.5, "humidity": 55}`))
	require.NoError(t, err)

	require.Len(t, store.readings, 1)
	assert.Equal(t, "s1", store.readings[0].SensorID)
	assert.Equal(t, 21.5, store.readings[0].Fields["temperature"])

	// The durable row existed before the first cache write.
	assert.Equal(t, 1, cache.storeAtSet)
	assert.Equal(t, 21.5, cache.latest["s1/temperature"])
	assert.Equal(t, 55.0, cache.latest["s1/humidity"])

	select {
	case ev := <-sub.Events():
		updated, ok := ev.Payload.(bus.ReadingUpdated)
		require.True(t, ok)
		assert.Equal(t, "s1", updated.Reading.SensorID)
	case <-time.After(time.Second):
		t.Fatal("no reading event published")
	}
}

func TestIngestRejectsMalformedAndContinues(t *testing.T) {
	store := newFakeStore()
	store.sensors["gh-a1"] = &models.Sensor{ID: "s1", HardwareID: "gh-a1", Type: models.SensorClimate}
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "gh-a1", Kind: mqtt.KindData}

	err := p.Ingest(context.Background(), topic, []byte(`not json`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	err = p.Ingest(context.Background(), topic, []byte(`{"temperature": 21.5, "humidity": 250}`))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "out_of_range", verr.Reason)
	assert.Empty(t, store.readings)

	// A later valid message on the same sensor still goes through.
	err = p.Ingest(context.Background(), topic, []byte(`{"temperature": 20.1, "humidity": 48}`))
	require.NoError(t, err)
	require.Len(t, store.readings, 1)

	counts := p.Rejected()
	assert.Equal(t, uint64(1), counts["malformed_payload"])
	assert.Equal(t, uint64(1), counts["out_of_range"])
}

func TestIngestRetriesTransientStoreFailure(t *testing.T) {
	store := newFakeStore()
	store.sensors["gh-a1"] = &models.Sensor{ID: "s1", HardwareID: "gh-a1", Type: models.SensorClimate}
	store.insertFails = 1
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "gh-a1", Kind: mqtt.KindData}
	err := p.Ingest(context.Background(), topic, []byte(`{"temperature": 21.5, "humidity": 55}`))
	require.NoError(t, err, "a store blip that clears must not drop the sample")

	require.Len(t, store.readings, 1)
	assert.Equal(t, 2, store.insertAttempt)
	assert.Equal(t, 21.5, cache.latest["s1/temperature"])
}

func TestIngestGivesUpAfterStoreRetryBudget(t *testing.T) {
	store := newFakeStore()
	store.sensors["gh-a1"] = &models.Sensor{ID: "s1", HardwareID: "gh-a1", Type: models.SensorClimate}
	store.insertFails = storeRetryAttempts
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "gh-a1", Kind: mqtt.KindData}
	err := p.Ingest(context.Background(), topic, []byte(`{"temperature": 21.5, "humidity": 55}`))
	require.Error(t, err)
	assert.Equal(t, storeRetryAttempts, store.insertAttempt)
	assert.Empty(t, store.readings)
	assert.Empty(t, cache.latest, "the cache must not lead the store")
}

func TestValidationRejectsDoNotRetryTheStore(t *testing.T) {
	store := newFakeStore()
	store.sensors["gh-a1"] = &models.Sensor{ID: "s1", HardwareID: "gh-a1", Type: models.SensorClimate}
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "gh-a1", Kind: mqtt.KindData}
	err := p.Ingest(context.Background(), topic, []byte(`{"temperature": 21.5, "humidity": 250}`))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, store.insertAttempt, "rejected payloads fail fast, no durable write")
}

func TestIngestAutoRegistersUnknownSensor(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "gh-new", Kind: mqtt.KindData}
	err := p.Ingest(context.Background(), topic, []byte(`{"ph": 6.8, "ec": 1.4}`))
	require.NoError(t, err)

	registered, ok := store.sensors["gh-new"]
	require.True(t, ok)
	assert.Equal(t, models.SensorWater, registered.Type)
	assert.NotEmpty(t, registered.ID)
	require.Len(t, store.readings, 1)
	assert.Equal(t, registered.ID, store.readings[0].SensorID)

	// The second message resolves from the in-process cache, not the store.
	err = p.Ingest(context.Background(), topic, []byte(`{"ph": 7.0}`))
	require.NoError(t, err)
	require.Len(t, store.readings, 2)
	assert.Equal(t, registered.ID, store.readings[1].SensorID)
}

func TestIngestDeviceStatusReconcilesAck(t *testing.T) {
	store := newFakeStore()
	store.devices["pump-1"] = &models.DeviceState{ID: "d1", HardwareID: "pump-1", Status: models.StatusOff}
	cache := newFakeCache(store)
	acks := &fakeAcks{pending: map[string]string{"d1": "action-42"}}
	p, events := newTestPipeline(t, store, cache, acks)

	devSub := events.Subscribe(bus.ChannelDevices)
	defer devSub.Close()
	actSub := events.Subscribe(bus.ChannelActions)
	defer actSub.Close()

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "pump-1", Kind: mqtt.KindSwitch}
	err := p.Ingest(context.Background(), topic, []byte(`{"status": "on"}`))
	require.NoError(t, err)

	require.Len(t, store.statuses, 1)
	assert.Equal(t, models.StatusOn, store.statuses[0])

	select {
	case ev := <-actSub.Events():
		outcome, ok := ev.Payload.(bus.ActionOutcome)
		require.True(t, ok)
		assert.Equal(t, "confirmed", outcome.Outcome)
		assert.Equal(t, "action-42", outcome.Action.ID)
	case <-time.After(time.Second):
		t.Fatal("no action outcome published")
	}

	select {
	case ev := <-devSub.Events():
		changed, ok := ev.Payload.(bus.DeviceStateChanged)
		require.True(t, ok)
		assert.Equal(t, models.StatusOn, changed.Device.Status)
		assert.Equal(t, models.StatusOff, changed.Previous)
	case <-time.After(time.Second):
		t.Fatal("no device state event published")
	}
}

func TestIngestStatusFromUnknownDeviceIsIgnored(t *testing.T) {
	store := newFakeStore()
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	topic := mqtt.Topic{Namespace: "greenhouse", HardwareID: "ghost", Kind: mqtt.KindSwitch}
	err := p.Ingest(context.Background(), topic, []byte(`{"status": "on"}`))
	assert.NoError(t, err)
	assert.Empty(t, store.statuses)
}

func TestDispatchRoutesSameSensorToSameShard(t *testing.T) {
	store := newFakeStore()
	store.sensors["gh-a1"] = &models.Sensor{ID: "s1", HardwareID: "gh-a1", Type: models.SensorGeneric}
	cache := newFakeCache(store)
	p, _ := newTestPipeline(t, store, cache, nil)

	p.Start(context.Background())
	defer p.Stop()

	for i := 0; i < 5; i++ {
		p.Dispatch("greenhouse/gh-a1/data", []byte(`{"moisture": 0.4}`))
	}

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.readings) == 5
	}, 2*time.Second, 10*time.Millisecond)
}
