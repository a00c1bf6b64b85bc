package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"greenhouse/internal/bus"
	"greenhouse/internal/db"
	"greenhouse/internal/models"
	"greenhouse/internal/mqtt"
)

// Store is the durable side of ingestion. The readings table is written
// here and nowhere else.
type Store interface {
	InsertReading(ctx context.Context, r *models.SensorReading) error
	GetSensorByHardwareID(ctx context.Context, hardwareID string) (*models.Sensor, error)
	RegisterSensor(ctx context.Context, s *models.Sensor) error
	GetDeviceByHardwareID(ctx context.Context, hardwareID string) (*models.DeviceState, error)
	UpdateDeviceStatus(ctx context.Context, id string, status models.DeviceStatus, seenAt time.Time) error
}

// LatestCache is the derived fast-read side. Written only after the
// durable write committed, so the cache can lag the store but never
// lead it.
type LatestCache interface {
	SetLatest(ctx context.Context, sensorID, metric string, value float64, ts time.Time) error
	PushHistory(ctx context.Context, sensorID, metric string, value float64, ts time.Time) error
}

// AckResolver reconciles a device status report against a queued
// command still waiting for confirmation.
type AckResolver interface {
	ResolveAck(ctx context.Context, deviceID string) (string, bool, error)
}

// Store-write retry bounds. Validation rejects stay fail-fast; only
// the durable insert is retried.
const (
	storeRetryAttempts = 3
	storeRetryBase     = 100 * time.Millisecond
)

type job struct {
	topic   mqtt.Topic
	payload []byte
}

// Pipeline consumes transport telemetry, validates it, persists it, and
// emits internal events. Messages for one sensor always run on the same
// shard, preserving transport-delivery order per sensor; shard channels
// are bounded so the transport's own flow control throttles a backlog.
type Pipeline struct {
	store    Store
	cache    LatestCache
	events   *bus.Bus
	acks     AckResolver
	registry *Registry
	logger   *zap.Logger

	shards []chan job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	sensors sync.Map // hardware id -> *models.Sensor

	mu       sync.Mutex
	rejected map[string]uint64 // validation failure counts by reason
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(store Store, cache LatestCache, events *bus.Bus, acks AckResolver, shardCount, shardDepth int, logger *zap.Logger) *Pipeline {
	if shardCount <= 0 {
		shardCount = 8
	}
	if shardDepth <= 0 {
		shardDepth = 64
	}
	shards := make([]chan job, shardCount)
	for i := range shards {
		shards[i] = make(chan job, shardDepth)
	}
	return &Pipeline{
		store:    store,
		cache:    cache,
		events:   events,
		acks:     acks,
		registry: NewRegistry(),
		logger:   logger,
		shards:   shards,
		rejected: make(map[string]uint64),
	}
}

// Start launches the shard workers.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i, ch := range p.shards {
		p.wg.Add(1)
		go p.runShard(ctx, i, ch)
	}
	p.logger.Info("ingestion pipeline started", zap.Int("shards", len(p.shards)))
}

// Stop drains the shard workers.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("ingestion pipeline stopped")
}

// Bind subscribes the pipeline to the transport namespace.
func (p *Pipeline) Bind(client *mqtt.Client, namespace string) error {
	handler := func(_ MQTT.Client, msg MQTT.Message) {
		p.Dispatch(msg.Topic(), msg.Payload())
	}
	if err := client.Subscribe(mqtt.DataWildcard(namespace), 1, handler); err != nil {
		return err
	}
	return client.Subscribe(mqtt.SwitchWildcard(namespace), 1, handler)
}

// Dispatch routes one raw message to its sensor's shard. The send
// blocks when the shard is saturated; blocking the transport handler is
// the intended backpressure.
func (p *Pipeline) Dispatch(rawTopic string, payload []byte) {
	topic, err := mqtt.ParseTopic(rawTopic)
	if err != nil {
		p.reject("malformed_topic", zap.String("topic", rawTopic))
		return
	}
	h := fnv.New32a()
	h.Write([]byte(topic.HardwareID))
	p.shards[int(h.Sum32()%uint32(len(p.shards)))] <- job{topic: topic, payload: payload}
}

func (p *Pipeline) runShard(ctx context.Context, id int, ch chan job) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ch:
			if err := p.Ingest(ctx, j.topic, j.payload); err != nil {
				// Rejected messages never stop the loop.
				var verr *ValidationError
				if !errors.As(err, &verr) {
					p.logger.Error("ingest failed",
						zap.Int("shard", id),
						zap.String("topic", j.topic.String()),
						zap.Error(err))
				}
			}
		}
	}
}

// Ingest processes one transport message synchronously. Exposed so the
// shard workers and tests share one entry point.
func (p *Pipeline) Ingest(ctx context.Context, topic mqtt.Topic, payload []byte) error {
	switch topic.Kind {
	case mqtt.KindData:
		return p.ingestReading(ctx, topic, payload)
	case mqtt.KindSwitch:
		return p.ingestDeviceStatus(ctx, topic, payload)
	default:
		p.reject("unknown_kind", zap.String("topic", topic.String()))
		return &ValidationError{Reason: "unknown_kind", Detail: topic.Kind}
	}
}

func (p *Pipeline) ingestReading(ctx context.Context, topic mqtt.Topic, payload []byte) error {
	fields, stats, err := decodeTelemetry(payload)
	if err != nil {
		p.reject("malformed_payload", zap.String("hardware_id", topic.HardwareID), zap.Error(err))
		return err
	}

	sensor, err := p.resolveSensor(ctx, topic.HardwareID, fields)
	if err != nil {
		return fmt.Errorf("resolve sensor %s: %w", topic.HardwareID, err)
	}

	if err := p.registry.Validate(sensor.Type, fields); err != nil {
		var verr *ValidationError
		errors.As(err, &verr)
		p.reject(verr.Reason,
			zap.String("sensor_id", sensor.ID),
			zap.String("hardware_id", topic.HardwareID),
			zap.String("detail", verr.Detail))
		return err
	}

	reading := &models.SensorReading{
		ID:         uuid.NewString(),
		SensorID:   sensor.ID,
		HardwareID: topic.HardwareID,
		Type:       sensor.Type,
		Fields:     fields,
		Stats:      stats,
		ReceivedAt: time.Now(),
	}

	// Durable row first. The reverse order could leave the cache ahead
	// of the store, which nothing downstream is allowed to observe.
	if err := p.insertWithRetry(ctx, reading); err != nil {
		return fmt.Errorf("insert reading for %s: %w", sensor.ID, err)
	}

	for metric, value := range fields {
		if err := p.cache.SetLatest(ctx, sensor.ID, metric, value, reading.ReceivedAt); err != nil {
			p.logger.Warn("cache latest write failed",
				zap.String("sensor_id", sensor.ID), zap.String("metric", metric), zap.Error(err))
			continue
		}
		if err := p.cache.PushHistory(ctx, sensor.ID, metric, value, reading.ReceivedAt); err != nil {
			p.logger.Warn("cache history write failed",
				zap.String("sensor_id", sensor.ID), zap.String("metric", metric), zap.Error(err))
		}
	}

	p.events.Publish(bus.ChannelReadings, bus.ReadingUpdated{Reading: *reading})
	return nil
}

// insertWithRetry retries the durable write with bounded backoff so a
// store blip does not drop the sample. The shard worker blocks here,
// so later samples for the same sensor wait behind this one and
// per-sensor order holds.
func (p *Pipeline) insertWithRetry(ctx context.Context, r *models.SensorReading) error {
	backoff := storeRetryBase
	var err error
	for attempt := 1; ; attempt++ {
		if err = p.store.InsertReading(ctx, r); err == nil {
			return nil
		}
		if attempt >= storeRetryAttempts {
			return err
		}
		p.logger.Warn("durable write failed, retrying",
			zap.String("sensor_id", r.SensorID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (p *Pipeline) ingestDeviceStatus(ctx context.Context, topic mqtt.Topic, payload []byte) error {
	var report struct {
		Status models.DeviceStatus `json:"status"`
	}
	if err := json.Unmarshal(payload, &report); err != nil || report.Status == "" {
		p.reject("malformed_status", zap.String("hardware_id", topic.HardwareID))
		return &ValidationError{Reason: "malformed_status", Detail: topic.HardwareID}
	}

	device, err := p.store.GetDeviceByHardwareID(ctx, topic.HardwareID)
	if errors.Is(err, db.ErrNotFound) {
		p.logger.Warn("status report from unknown device",
			zap.String("hardware_id", topic.HardwareID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup device %s: %w", topic.HardwareID, err)
	}

	previous := device.Status
	now := time.Now()
	if err := p.store.UpdateDeviceStatus(ctx, device.ID, report.Status, now); err != nil {
		return fmt.Errorf("update status for %s: %w", device.ID, err)
	}
	device.Status = report.Status
	device.LastSeen = now

	// A command published for this device may be waiting for exactly
	// this report.
	if actionID, ok, err := p.acks.ResolveAck(ctx, device.ID); err != nil {
		p.logger.Warn("ack reconcile failed", zap.String("device_id", device.ID), zap.Error(err))
	} else if ok {
		p.logger.Info("command confirmed by device report",
			zap.String("device_id", device.ID), zap.String("action_id", actionID))
		p.events.Publish(bus.ChannelActions, bus.ActionOutcome{
			Action:  models.QueuedAction{ID: actionID, Type: models.ActionDeviceCommand, DeviceID: device.ID},
			Outcome: "confirmed",
		})
	}

	p.events.Publish(bus.ChannelDevices, bus.DeviceStateChanged{Device: *device, Previous: previous})
	return nil
}

// resolveSensor looks the hardware id up in the registry, auto-registering
// previously-unseen hardware under a best-effort inferred type.
func (p *Pipeline) resolveSensor(ctx context.Context, hardwareID string, fields map[string]float64) (*models.Sensor, error) {
	if cached, ok := p.sensors.Load(hardwareID); ok {
		return cached.(*models.Sensor), nil
	}

	sensor, err := p.store.GetSensorByHardwareID(ctx, hardwareID)
	if errors.Is(err, db.ErrNotFound) {
		sensor = &models.Sensor{
			ID:         uuid.NewString(),
			HardwareID: hardwareID,
			Name:       hardwareID,
			Type:       p.registry.InferType(fields),
		}
		if err := p.store.RegisterSensor(ctx, sensor); err != nil {
			return nil, fmt.Errorf("auto-register: %w", err)
		}
		p.logger.Warn("auto-registered unknown sensor hardware",
			zap.String("hardware_id", hardwareID),
			zap.String("inferred_type", string(sensor.Type)))
	} else if err != nil {
		return nil, err
	}

	p.sensors.Store(hardwareID, sensor)
	return sensor, nil
}

// Rejected returns validation failure counts by reason.
func (p *Pipeline) Rejected() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint64, len(p.rejected))
	for k, v := range p.rejected {
		out[k] = v
	}
	return out
}

func (p *Pipeline) reject(reason string, fields ...zap.Field) {
	p.mu.Lock()
	p.rejected[reason]++
	p.mu.Unlock()
	p.logger.Warn("message rejected", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}

// decodeTelemetry decodes a flat key/value payload: numeric fields are
// metrics, a "stats" object carries device-supplied rolling aggregates,
// anything else is ignored.
func decodeTelemetry(payload []byte) (map[string]float64, map[string]models.RollingStats, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, nil, &ValidationError{Reason: "malformed_payload", Detail: err.Error()}
	}

	fields := make(map[string]float64)
	var stats map[string]models.RollingStats
	for key, val := range raw {
		if key == "stats" {
			if err := json.Unmarshal(val, &stats); err != nil {
				stats = nil // malformed stats are dropped, not fatal
			}
			continue
		}
		var f float64
		if err := json.Unmarshal(val, &f); err == nil {
			fields[key] = f
		}
	}
	if len(fields) == 0 {
		return nil, nil, &ValidationError{Reason: "empty_payload", Detail: "no numeric fields"}
	}
	return fields, stats, nil
}
