package actionqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"greenhouse/internal/bus"
	"greenhouse/internal/models"
	"greenhouse/internal/mqtt"
	"greenhouse/internal/notify"
)

// CommandPublisher publishes a device command onto the transport.
type CommandPublisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// DeviceResolver maps a logical device id to its registry entry.
type DeviceResolver interface {
	GetDevice(ctx context.Context, id string) (*models.DeviceState, error)
}

// Pool drains the queue: one worker per lane, so entries within a lane
// execute strictly in enqueue order while lanes run in parallel.
type Pool struct {
	queue      *Queue
	publisher  CommandPublisher
	devices    DeviceResolver
	dispatcher notify.Dispatcher
	events     *bus.Bus
	namespace  string
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool wires the worker pool.
func NewPool(queue *Queue, publisher CommandPublisher, devices DeviceResolver, dispatcher notify.Dispatcher, events *bus.Bus, namespace string, logger *zap.Logger) *Pool {
	return &Pool{
		queue:      queue,
		publisher:  publisher,
		devices:    devices,
		dispatcher: dispatcher,
		events:     events,
		namespace:  namespace,
		logger:     logger,
	}
}

// Start launches one worker goroutine per lane.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for lane := 0; lane < p.queue.Lanes(); lane++ {
		p.wg.Add(1)
		go p.runLane(ctx, lane)
	}
	p.logger.Info("action workers started", zap.Int("lanes", p.queue.Lanes()))
}

// Stop cancels the workers and waits for in-flight actions to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("action workers stopped")
}

func (p *Pool) runLane(ctx context.Context, lane int) {
	defer p.wg.Done()
	consumer := "worker-" + strconv.Itoa(lane)
	log := p.logger.With(zap.Int("lane", lane))

	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.queue.Claim(ctx, lane, consumer, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim failed, backing off", zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if claimed == nil {
			continue
		}
		p.process(ctx, claimed, log)
	}
}

func (p *Pool) process(ctx context.Context, c *Claimed, log *zap.Logger) {
	log = log.With(zap.String("action_id", c.Action.ID), zap.String("type", string(c.Action.Type)))

	if err := p.execute(ctx, &c.Action); err != nil {
		status, nackErr := p.queue.Nack(ctx, c, err.Error())
		if nackErr != nil {
			// The entry is still pending; the lease reclaimer retries it.
			log.Error("nack failed", zap.Error(nackErr))
			return
		}
		outcome := "retrying"
		if status == models.QueueDead {
			outcome = "dead"
		}
		p.events.Publish(bus.ChannelActions, bus.ActionOutcome{
			Action: c.Action, Outcome: outcome, Error: err.Error(),
		})
		return
	}

	if err := p.queue.Ack(ctx, c); err != nil {
		// The side effect already ran; commands are idempotent desired
		// states, so the eventual reclaim-and-retry is harmless.
		log.Error("ack failed after execution", zap.Error(err))
		return
	}
	c.Action.Status = models.QueueSucceeded
	p.events.Publish(bus.ChannelActions, bus.ActionOutcome{Action: c.Action, Outcome: "succeeded"})
	log.Debug("action executed")
}

func (p *Pool) execute(ctx context.Context, a *models.QueuedAction) error {
	switch a.Type {
	case models.ActionDeviceCommand:
		return p.executeCommand(ctx, a)
	case models.ActionNotification:
		return p.executeNotification(ctx, a)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (p *Pool) executeCommand(ctx context.Context, a *models.QueuedAction) error {
	device, err := p.devices.GetDevice(ctx, a.DeviceID)
	if err != nil {
		return fmt.Errorf("resolve device %s: %w", a.DeviceID, err)
	}
	topic := mqtt.CommandTopic(p.namespace, device.HardwareID)
	if err := p.publisher.Publish(topic, 1, false, a.Payload); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	// Status only changes once the device reports it; remember that a
	// report is expected so ingestion can reconcile it.
	if err := p.queue.SetAwaitAck(ctx, a.DeviceID, a.ID); err != nil {
		p.logger.Warn("ack-wait entry not recorded",
			zap.String("action_id", a.ID), zap.Error(err))
	}
	return nil
}

func (p *Pool) executeNotification(ctx context.Context, a *models.QueuedAction) error {
	var spec models.NotificationSpec
	if err := json.Unmarshal(a.Payload, &spec); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	outcomes := p.dispatcher.Dispatch(ctx, notify.Request{
		Title:    spec.Title,
		Body:     spec.Body,
		Severity: spec.Severity,
		Channels: spec.Channels,
		Vars:     spec.Vars,
	})
	for _, o := range outcomes {
		if !o.Delivered {
			return fmt.Errorf("channel %s: %s", o.Channel, o.Error)
		}
	}
	return nil
}
