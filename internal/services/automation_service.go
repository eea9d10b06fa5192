package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pipeflow/internal/metrics"
	"pipeflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidRunRequest is returned when a run request lacks a card, a pipe or
// a known trigger type.
var ErrInvalidRunRequest = errors.New("invalid run request")

const conditionsNotMet = "Conditions not met"

// RunRequest is the inbound trigger contract.
type RunRequest struct {
	TriggerType models.TriggerType `json:"trigger_type" binding:"required"`
	CardID      string             `json:"card_id" binding:"required"`
	PipeID      string             `json:"pipe_id" binding:"required"`
	Context     *TriggerContext    `json:"context,omitempty"`
}

// Report summarizes one engine run.
type Report struct {
	AutomationsFound    int                `json:"automations_found"`
	AutomationsMatched  int                `json:"automations_matched"`
	AutomationsExecuted []string           `json:"automations_executed"`
	AutomationsSkipped  []string           `json:"automations_skipped"`
	AutomationsFailed   []string           `json:"automations_failed"`
	Details             []AutomationDetail `json:"details"`
}

// NewReport returns a report with non-nil lists for found candidates.
func NewReport(found int) *Report {
	return &Report{
		AutomationsFound:    found,
		AutomationsExecuted: []string{},
		AutomationsSkipped:  []string{},
		AutomationsFailed:   []string{},
		Details:             make([]AutomationDetail, 0, found),
	}
}

// AutomationDetail describes one candidate automation.
type AutomationDetail struct {
	Name          string               `json:"name"`
	ID            string               `json:"id"`
	Matched       bool                 `json:"matched"`
	TriggerConfig models.TriggerConfig `json:"trigger_config"`
	Execution     *ExecutionSummary    `json:"execution,omitempty"`
}

// ExecutionSummary mirrors the written AutomationLog.
type ExecutionSummary struct {
	LogID           string                     `json:"log_id"`
	Status          models.AutomationLogStatus `json:"status"`
	ConditionsMet   *bool                      `json:"conditions_met"`
	ActionsExecuted []models.ActionExecution   `json:"actions_executed"`
	ErrorMessage    *string                    `json:"error_message,omitempty"`
}

// LogPublisher receives every audit record after it is written.
type LogPublisher interface {
	PublishLog(log *models.AutomationLog)
}

// AutomationOptions wires the engine.
type AutomationOptions struct {
	Actions     ActionOptions
	Cascade     CascadeOptions
	IDGenerator IDGenerator
	Publisher   LogPublisher
}

// AutomationService is the engine entry point: it matches, evaluates and
// executes automations and writes their audit trail.
type AutomationService struct {
	store     AutomationStore
	evaluator *ConditionEvaluator
	executor  *ActionExecutor
	cascade   *CascadeDispatcher
	publisher LogPublisher
	newID     IDGenerator
	logger    *logrus.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

func NewAutomationService(store AutomationStore, sender EmailSender, opts AutomationOptions, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.IDGenerator == nil {
		opts.IDGenerator = DefaultIDGenerator
	}
	cascade := NewCascadeDispatcher(opts.Cascade, logger)
	s := &AutomationService{
		store:     store,
		evaluator: NewConditionEvaluator(store),
		executor:  NewActionExecutor(store, sender, cascade, opts.IDGenerator, opts.Actions, logger),
		cascade:   cascade,
		publisher: opts.Publisher,
		newID:     opts.IDGenerator,
		logger:    logger,
		tracer:    otel.Tracer("pipeflow/automation"),
		now:       time.Now,
	}
	cascade.Start(s)
	return s
}

// WaitForCascades blocks until all scheduled cascade runs have finished.
func (s *AutomationService) WaitForCascades() { s.cascade.Wait() }

// Close drains pending cascades and stops the workers.
func (s *AutomationService) Close() { s.cascade.Close() }

// Run evaluates the pipe's automations for one trigger. Only failures to load
// automations (or to read state for condition evaluation) are returned;
// action failures are recorded in the audit log.
func (s *AutomationService) Run(ctx context.Context, req RunRequest) (*Report, error) {
	return s.run(ctx, req, 0)
}

// RunCascade implements CascadeRunner.
func (s *AutomationService) RunCascade(ctx context.Context, req CascadeRequest) {
	_, err := s.run(ctx, RunRequest{
		TriggerType: models.TriggerCardEntersStage,
		CardID:      req.CardID,
		PipeID:      req.PipeID,
		Context:     &TriggerContext{StageID: req.StageID},
	}, req.Depth)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"card_id":  req.CardID,
			"stage_id": req.StageID,
			"depth":    req.Depth,
		}).Warnf("automation: cascade run failed: %v", err)
	}
}

func (s *AutomationService) run(ctx context.Context, req RunRequest, depth int) (report *Report, err error) {
	if req.CardID == "" || req.PipeID == "" || !req.TriggerType.IsValid() {
		return nil, fmt.Errorf("%w: trigger_type=%q card_id=%q pipe_id=%q", ErrInvalidRunRequest, req.TriggerType, req.CardID, req.PipeID)
	}

	ctx, span := s.tracer.Start(ctx, "automation.run", trace.WithAttributes(
		attribute.String("trigger_type", string(req.TriggerType)),
		attribute.String("card_id", req.CardID),
		attribute.String("pipe_id", req.PipeID),
		attribute.Int("cascade_depth", depth),
	))
	start := s.now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.AutomationRuns.WithLabelValues(string(req.TriggerType), outcome).Inc()
		metrics.RunDuration.WithLabelValues(string(req.TriggerType)).Observe(float64(time.Since(start).Milliseconds()))
		span.End()
	}()

	automations, err := s.store.LoadPipeAutomations(ctx, req.PipeID, req.TriggerType)
	if err != nil {
		return nil, err
	}

	report = NewReport(len(automations))

	for _, auto := range automations {
		triggerCfg := auto.TriggerConfig.Data()
		detail := AutomationDetail{
			Name:          auto.Name,
			ID:            auto.ID,
			TriggerConfig: triggerCfg,
			Matched:       MatchTrigger(auto.TriggerType, triggerCfg, req.Context),
		}
		if !detail.Matched {
			report.Details = append(report.Details, detail)
			continue
		}
		report.AutomationsMatched++

		exec, err := s.attempt(ctx, auto, req, depth)
		if err != nil {
			return nil, err
		}
		detail.Execution = exec
		report.Details = append(report.Details, detail)

		switch exec.Status {
		case models.LogStatusSuccess:
			report.AutomationsExecuted = append(report.AutomationsExecuted, auto.Name)
		case models.LogStatusSkipped:
			report.AutomationsSkipped = append(report.AutomationsSkipped, auto.Name)
		case models.LogStatusError:
			report.AutomationsFailed = append(report.AutomationsFailed, auto.Name)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"trigger_type": req.TriggerType,
		"card_id":      req.CardID,
		"found":        report.AutomationsFound,
		"matched":      report.AutomationsMatched,
		"executed":     len(report.AutomationsExecuted),
		"skipped":      len(report.AutomationsSkipped),
		"failed":       len(report.AutomationsFailed),
	}).Debug("automation run completed")
	return report, nil
}

// attempt evaluates conditions and runs the actions of one matched
// automation, then writes its audit record.
func (s *AutomationService) attempt(ctx context.Context, auto models.Automation, req RunRequest, depth int) (*ExecutionSummary, error) {
	ctx, span := s.tracer.Start(ctx, "automation.attempt", trace.WithAttributes(
		attribute.String("automation_id", auto.ID),
		attribute.String("automation_name", auto.Name),
	))
	defer span.End()

	log := &models.AutomationLog{
		ID:              s.newID(),
		AutomationID:    auto.ID,
		CardID:          req.CardID,
		TriggerType:     req.TriggerType,
		ActionsExecuted: []models.ActionExecution{},
	}
	entry := s.logger.WithFields(logrus.Fields{
		"automation_id": auto.ID,
		"card_id":       req.CardID,
	})

	conds := auto.Conditions.Data()
	if conds.HasRules() {
		met, err := s.evaluator.Evaluate(ctx, conds, req.CardID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("evaluate conditions for automation %s: %w", auto.ID, err)
		}
		log.ConditionsMet = &met
		if !met {
			msg := conditionsNotMet
			log.Status = models.LogStatusSkipped
			log.ErrorMessage = &msg
			s.writeLog(ctx, log)
			entry.Debug("automation skipped: conditions not met")
			return summarize(log), nil
		}
	}

	log.Status = models.LogStatusSuccess
	for i, action := range auto.Actions {
		exec := models.ActionExecution{Type: action.Type}
		if raw, err := json.Marshal(action.Config); err == nil {
			exec.Config = raw
		}

		result, err := s.executor.Execute(ctx, req.CardID, action, depth)
		if err != nil {
			exec.Status = models.ActionStatusError
			exec.Error = err.Error()
			var ae *ActionError
			if errors.As(err, &ae) {
				exec.ErrorKind = string(ae.Kind)
			}
			log.ActionsExecuted = append(log.ActionsExecuted, exec)
			log.Status = models.LogStatusError
			msg := fmt.Sprintf("action %d (%s) failed: %s", i, action.Type, err.Error())
			log.ErrorMessage = &msg
			metrics.ActionsExecuted.WithLabelValues(string(action.Type), string(exec.Status)).Inc()
			entry.WithField("action_type", action.Type).Warnf("automation: action failed: %v", err)
			break
		}

		exec.Status = models.ActionStatusSuccess
		exec.Result = result
		log.ActionsExecuted = append(log.ActionsExecuted, exec)
		metrics.ActionsExecuted.WithLabelValues(string(action.Type), string(exec.Status)).Inc()
	}

	if log.Status == models.LogStatusError {
		span.SetStatus(codes.Error, *log.ErrorMessage)
	}
	s.writeLog(ctx, log)
	return summarize(log), nil
}

func (s *AutomationService) writeLog(ctx context.Context, log *models.AutomationLog) {
	log.ExecutedAt = s.now()
	metrics.AutomationOutcomes.WithLabelValues(string(log.Status)).Inc()
	if err := s.store.CreateLog(ctx, log); err != nil {
		s.logger.WithFields(logrus.Fields{
			"automation_id": log.AutomationID,
			"card_id":       log.CardID,
		}).Warnf("automation: record log failed: %v", err)
		return
	}
	if s.publisher != nil {
		s.publisher.PublishLog(log)
	}
}

func summarize(log *models.AutomationLog) *ExecutionSummary {
	return &ExecutionSummary{
		LogID:           log.ID,
		Status:          log.Status,
		ConditionsMet:   log.ConditionsMet,
		ActionsExecuted: log.ActionsExecuted,
		ErrorMessage:    log.ErrorMessage,
	}
}
