package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"greenhouse/internal/bus"
	"greenhouse/internal/models"
)

// RuleStore is the durable side of rule evaluation.
type RuleStore interface {
	GetEnabledRules(ctx context.Context) ([]models.Rule, error)
	GetRuleByID(ctx context.Context, id string) (*models.Rule, error)
	TryTrigger(ctx context.Context, ruleID string, now time.Time) (bool, error)
	RecordExecution(ctx context.Context, e *models.RuleExecution) error
}

// Enqueuer accepts matched rules' actions.
type Enqueuer interface {
	Enqueue(ctx context.Context, a *models.QueuedAction) (string, error)
}

// EvalDispatcher enqueues a single-rule evaluation task (the
// low-latency path for reading-updated events).
type EvalDispatcher interface {
	EnqueueEvaluation(ruleID, sensorID string) error
}

// Engine evaluates enabled rules on a fixed tick and immediately on
// reading updates for the rules that reference the affected sensor.
type Engine struct {
	store      RuleStore
	evaluator  *Evaluator
	queue      Enqueuer
	events     *bus.Bus
	rdb        *redis.Client
	dispatcher EvalDispatcher
	logger     *zap.Logger

	passDeadline time.Duration

	sub    *bus.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the evaluation engine.
func NewEngine(store RuleStore, evaluator *Evaluator, queue Enqueuer, events *bus.Bus, rdb *redis.Client, passDeadline time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		evaluator:    evaluator,
		queue:        queue,
		events:       events,
		rdb:          rdb,
		passDeadline: passDeadline,
		logger:       logger,
	}
}

// SetDispatcher installs the task dispatcher. Set once at wiring time,
// after the task worker exists (it needs the engine as its handler).
func (e *Engine) SetDispatcher(d EvalDispatcher) {
	e.dispatcher = d
}

// Start rebuilds the sensor index and begins consuming reading updates.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.RefreshIndex(ctx); err != nil {
		return fmt.Errorf("build sensor index: %w", err)
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.sub = e.events.Subscribe(bus.ChannelReadings)
	e.wg.Add(1)
	go e.consumeReadings(ctx)
	e.logger.Info("rule engine started")
	return nil
}

// Stop tears the engine down.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.sub != nil {
		e.sub.Close()
	}
	e.wg.Wait()
	e.logger.Info("rule engine stopped")
}

func sensorRulesKey(sensorID string) string {
	return "sensor:" + sensorID + ":rules"
}

// RefreshIndex rebuilds the sensor-to-rules association sets so the
// event path can find affected rules without scanning all of them.
func (e *Engine) RefreshIndex(ctx context.Context) error {
	rulesList, err := e.store.GetEnabledRules(ctx)
	if err != nil {
		return err
	}

	keys, err := e.rdb.Keys(ctx, "sensor:*:rules").Result()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		if err := e.rdb.Del(ctx, keys...).Err(); err != nil {
			return err
		}
	}

	for _, rule := range rulesList {
		var cond models.Condition
		if err := json.Unmarshal(rule.Conditions, &cond); err != nil {
			e.logger.Error("rule has unparseable conditions, skipping index",
				zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		for _, sensorID := range SensorRefs(cond) {
			if err := e.rdb.SAdd(ctx, sensorRulesKey(sensorID), rule.ID).Err(); err != nil {
				return err
			}
		}
	}
	e.logger.Info("sensor index refreshed", zap.Int("rules", len(rulesList)))
	return nil
}

func (e *Engine) consumeReadings(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sub.Events():
			if !ok {
				return
			}
			update, ok := ev.Payload.(bus.ReadingUpdated)
			if !ok {
				continue
			}
			e.dispatchForSensor(ctx, update.Reading.SensorID)
		}
	}
}

func (e *Engine) dispatchForSensor(ctx context.Context, sensorID string) {
	ruleIDs, err := e.rdb.SMembers(ctx, sensorRulesKey(sensorID)).Result()
	if err != nil {
		e.logger.Error("sensor index read failed", zap.String("sensor_id", sensorID), zap.Error(err))
		return
	}
	for _, ruleID := range ruleIDs {
		if err := e.dispatcher.EnqueueEvaluation(ruleID, sensorID); err != nil {
			e.logger.Error("evaluation task not enqueued",
				zap.String("rule_id", ruleID), zap.Error(err))
		}
	}
}

// EvaluateAll runs one scheduled pass over every enabled rule, bounded
// by the pass deadline so one hung fetch cannot starve later ticks.
// Failures are contained per rule.
func (e *Engine) EvaluateAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.passDeadline)
	defer cancel()

	rulesList, err := e.store.GetEnabledRules(ctx)
	if err != nil {
		e.logger.Error("scheduled pass: rule fetch failed", zap.Error(err))
		return
	}

	evaluated, triggered := 0, 0
	for i := range rulesList {
		if ctx.Err() != nil {
			e.logger.Warn("scheduled pass hit deadline",
				zap.Int("evaluated", evaluated), zap.Int("total", len(rulesList)))
			return
		}
		fired, err := e.EvaluateRule(ctx, &rulesList[i])
		if err != nil {
			e.logger.Error("rule evaluation failed",
				zap.String("rule_id", rulesList[i].ID), zap.Error(err))
		}
		evaluated++
		if fired {
			triggered++
		}
	}
	e.logger.Debug("scheduled pass complete",
		zap.Int("evaluated", evaluated), zap.Int("triggered", triggered))
}

// EvaluateRuleByID is the event-path entry: fetch one rule and evaluate
// it. Infra errors propagate (the task layer retries them); evaluation
// errors are contained.
func (e *Engine) EvaluateRuleByID(ctx context.Context, ruleID string) error {
	rule, err := e.store.GetRuleByID(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("fetch rule %s: %w", ruleID, err)
	}
	if _, err := e.EvaluateRule(ctx, rule); err != nil {
		e.logger.Error("rule evaluation failed", zap.String("rule_id", ruleID), zap.Error(err))
	}
	return nil
}

// EvaluateRule evaluates one rule and, on match, claims the trigger,
// records the execution, and enqueues the rule's actions in declared
// order. Returns whether the rule fired.
func (e *Engine) EvaluateRule(ctx context.Context, rule *models.Rule) (bool, error) {
	if !rule.Enabled {
		return false, nil
	}
	now := time.Now()
	if rule.LastTriggered != nil && now.Before(rule.LastTriggered.Add(rule.Cooldown())) {
		return false, nil // cheap skip; TryTrigger below is the authoritative check
	}

	var cond models.Condition
	if err := json.Unmarshal(rule.Conditions, &cond); err != nil {
		return false, fmt.Errorf("parse conditions: %w", err)
	}
	matched, err := e.evaluator.Evaluate(ctx, cond)
	if err != nil {
		return false, fmt.Errorf("evaluate conditions: %w", err)
	}
	if !matched {
		return false, nil
	}

	// Serialization point: concurrent passes race here and exactly one
	// wins within the cooldown window.
	won, err := e.store.TryTrigger(ctx, rule.ID, now)
	if err != nil {
		return false, fmt.Errorf("claim trigger: %w", err)
	}
	if !won {
		return false, nil
	}

	execution := &models.RuleExecution{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		TriggeredAt: now,
		Success:     true,
		Conditions:  rule.Conditions,
		Actions:     rule.Actions,
	}

	if err := e.enqueueActions(ctx, rule); err != nil {
		execution.Success = false
		execution.Error = err.Error()
	}

	if err := e.store.RecordExecution(ctx, execution); err != nil {
		e.logger.Error("execution audit write failed",
			zap.String("rule_id", rule.ID), zap.Error(err))
	}

	e.events.Publish(bus.ChannelRules, bus.RuleTriggered{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		ExecutionID: execution.ID,
		OwnerID:     rule.OwnerID,
	})
	e.logger.Info("rule triggered",
		zap.String("rule_id", rule.ID), zap.String("rule_name", rule.Name),
		zap.Bool("success", execution.Success))
	return true, nil
}

func (e *Engine) enqueueActions(ctx context.Context, rule *models.Rule) error {
	var actions []models.Action
	if err := json.Unmarshal(rule.Actions, &actions); err != nil {
		return fmt.Errorf("parse actions: %w", err)
	}

	for i, action := range actions {
		queued, err := buildQueuedAction(rule, action)
		if err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if _, err := e.queue.Enqueue(ctx, queued); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func buildQueuedAction(rule *models.Rule, action models.Action) (*models.QueuedAction, error) {
	ruleID := rule.ID
	switch action.Type {
	case models.ActionDeviceCommand:
		if action.DeviceID == "" {
			return nil, fmt.Errorf("device command without device id")
		}
		payload, err := json.Marshal(action.Command)
		if err != nil {
			return nil, err
		}
		return &models.QueuedAction{
			Type:     models.ActionDeviceCommand,
			DeviceID: action.DeviceID,
			Payload:  payload,
			RuleID:   &ruleID,
		}, nil
	case models.ActionNotification:
		if action.Notify == nil {
			return nil, fmt.Errorf("notification action without spec")
		}
		spec := *action.Notify
		if spec.Vars == nil {
			spec.Vars = make(map[string]string)
		}
		spec.Vars["rule"] = rule.Name
		payload, err := json.Marshal(spec)
		if err != nil {
			return nil, err
		}
		return &models.QueuedAction{
			Type:    models.ActionNotification,
			Target:  rule.ID, // notifications for a rule share a lane
			Payload: payload,
			RuleID:  &ruleID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", action.Type)
	}
}
