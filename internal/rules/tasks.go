package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeEvaluateRule is the task type for a single-rule evaluation.
const TypeEvaluateRule = "rule:evaluate"

type evaluationPayload struct {
	RuleID   string `json:"rule_id"`
	SensorID string `json:"sensor_id,omitempty"`
}

// Tasks runs the event-triggered evaluation path on asynq: each reading
// update fans out into one task per affected rule, processed by a
// bounded worker pool with its own retry on infra failures.
type Tasks struct {
	client *asynq.Client
	server *asynq.Server
	engine *Engine
	logger *zap.Logger
}

// NewTasks creates the task client and worker server.
func NewTasks(redisAddr string, concurrency int, engine *Engine, logger *zap.Logger) *Tasks {
	if concurrency <= 0 {
		concurrency = 10
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	return &Tasks{
		client: asynq.NewClient(opt),
		server: asynq.NewServer(opt, asynq.Config{Concurrency: concurrency}),
		engine: engine,
		logger: logger,
	}
}

// EnqueueEvaluation schedules one rule's evaluation.
func (t *Tasks) EnqueueEvaluation(ruleID, sensorID string) error {
	payload, err := json.Marshal(evaluationPayload{RuleID: ruleID, SensorID: sensorID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeEvaluateRule, payload)
	info, err := t.client.Enqueue(task, asynq.MaxRetry(3), asynq.Timeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("enqueue evaluation for rule %s: %w", ruleID, err)
	}
	t.logger.Debug("evaluation task enqueued",
		zap.String("task_id", info.ID), zap.String("rule_id", ruleID),
		zap.String("sensor_id", sensorID))
	return nil
}

// Start launches the worker server.
func (t *Tasks) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeEvaluateRule, t.handleEvaluate)
	if err := t.server.Start(mux); err != nil {
		return fmt.Errorf("start task workers: %w", err)
	}
	t.logger.Info("evaluation task workers started")
	return nil
}

// Stop shuts the workers down and closes the client.
func (t *Tasks) Stop() {
	t.server.Shutdown()
	t.client.Close()
	t.logger.Info("evaluation task workers stopped")
}

func (t *Tasks) handleEvaluate(ctx context.Context, task *asynq.Task) error {
	var payload evaluationPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode evaluation payload: %v: %w", err, asynq.SkipRetry)
	}
	// Infra errors return non-nil and asynq retries; evaluation errors
	// are contained inside the engine.
	return t.engine.EvaluateRuleByID(ctx, payload.RuleID)
}
