package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/jobscheduler/internal/events"
	"github.com/t77yq/jobscheduler/internal/executor"
	"github.com/t77yq/jobscheduler/internal/model"
)

const (
	alertDurable  = "alert-manager"
	recentAlerts  = 100
	notifyTimeout = 10 * time.Second
)

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(ctx context.Context, alert *model.Alert) error
}

// EventSource delivers finished execution events
type EventSource interface {
	SubscribeFinished(durable string, handler func(*events.ExecutionEvent)) (*nats.Subscription, error)
	PublishRaw(ctx context.Context, subject string, data []byte) error
}

// AlertManager turns finished executions into alerts according to its rules
type AlertManager struct {
	logger   *zap.Logger
	source   EventSource
	rules    sync.Map
	mu       sync.RWMutex
	channels map[string]NotificationChannel
	alerts   []*model.Alert
	sub      *nats.Subscription
}

// NewAlertManager creates a new alert manager. source may be nil, in which
// case alerts are only evaluated through Evaluate and sent to channels.
func NewAlertManager(source EventSource, logger *zap.Logger) *AlertManager {
	return &AlertManager{
		logger:   logger.Named("alert-manager"),
		source:   source,
		channels: make(map[string]NotificationChannel),
	}
}

// DefaultRules alert on exhausted failures and on every timeout
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{
			Name:              "job failed after retries",
			Type:              model.AlertTypeJobFailure,
			Severity:          model.AlertSeverityError,
			OnlyWhenExhausted: true,
		},
		{
			Name:     "job timed out",
			Type:     model.AlertTypeTimeout,
			Severity: model.AlertSeverityWarning,
		},
	}
}

// Start subscribes to finished execution events
func (m *AlertManager) Start() error {
	if m.source == nil {
		return nil
	}
	sub, err := m.source.SubscribeFinished(alertDurable, func(event *events.ExecutionEvent) {
		m.Evaluate(context.Background(), event)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to execution events: %w", err)
	}
	m.sub = sub

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
		m.sub = nil
	}
}

// AddChannel registers a notification channel under name
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("rule not found: %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeJobFailure, model.AlertTypeTimeout, model.AlertTypeLockContention:
	default:
		return fmt.Errorf("unknown alert type: %s", rule.Type)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = time.Now()
	m.rules.Store(rule.ID, rule)
	return nil
}

// SilenceRule mutes or unmutes a rule
func (m *AlertManager) SilenceRule(id string, silenced bool) error {
	rule, err := m.GetRule(id)
	if err != nil {
		return err
	}
	updated := *rule
	updated.Silenced = silenced
	m.rules.Store(id, &updated)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return fmt.Errorf("rule not found: %s", id)
	}
	m.rules.Delete(id)
	return nil
}

// Alerts returns the most recent alerts, oldest first
func (m *AlertManager) Alerts() []*model.Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Evaluate matches a finished event against every rule and raises the
// resulting alerts
func (m *AlertManager) Evaluate(ctx context.Context, event *events.ExecutionEvent) []*model.Alert {
	if event.Type != events.EventFinished || event.Execution == nil {
		return nil
	}

	var raised []*model.Alert
	m.rules.Range(func(_, value any) bool {
		rule := value.(*model.AlertRule)
		if !matches(rule, event) {
			return true
		}
		alert := m.createAlert(ctx, rule, event)
		raised = append(raised, alert)
		return true
	})
	return raised
}

// PublishExecution lets the manager stand in for an events.Publisher when no
// broker is configured
func (m *AlertManager) PublishExecution(ctx context.Context, event *events.ExecutionEvent) error {
	m.Evaluate(ctx, event)
	return nil
}

func matches(rule *model.AlertRule, event *events.ExecutionEvent) bool {
	exec := event.Execution
	if rule.Silenced {
		return false
	}
	if rule.JobName != "" && rule.JobName != exec.JobName {
		return false
	}

	switch rule.Type {
	case model.AlertTypeJobFailure:
		if exec.Status != model.ExecutionStatusFailed {
			return false
		}
		return !rule.OnlyWhenExhausted || !event.WillRetry
	case model.AlertTypeTimeout:
		return exec.Status == model.ExecutionStatusTimeout
	case model.AlertTypeLockContention:
		return exec.Status == model.ExecutionStatusCancelled && exec.ErrorMessage == executor.MessageLockNotAcquired
	}
	return false
}

// createAlert records, publishes and dispatches a new alert
func (m *AlertManager) createAlert(ctx context.Context, rule *model.AlertRule, event *events.ExecutionEvent) *model.Alert {
	exec := event.Execution
	alert := &model.Alert{
		ID:          uuid.New().String(),
		RuleID:      rule.ID,
		Type:        rule.Type,
		Severity:    rule.Severity,
		JobName:     exec.JobName,
		ExecutionID: exec.ID,
		Message:     alertMessage(rule, exec),
		Data: map[string]any{
			"status":       string(exec.Status),
			"retry_number": exec.RetryNumber,
			"max_retries":  event.MaxRetries,
			"error":        exec.ErrorMessage,
		},
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > recentAlerts {
		m.alerts = m.alerts[len(m.alerts)-recentAlerts:]
	}
	channels := make(map[string]NotificationChannel, len(m.channels))
	for name, ch := range m.channels {
		channels[name] = ch
	}
	m.mu.Unlock()

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("job_name", alert.JobName))

	if m.source != nil {
		data, err := json.Marshal(alert)
		if err != nil {
			m.logger.Error("Failed to marshal alert", zap.Error(err))
		} else if err := m.source.PublishRaw(ctx, events.SubjectAlertPrefix+string(alert.Type), data); err != nil {
			m.logger.Error("Failed to publish alert", zap.Error(err))
		}
	}

	for name, ch := range channels {
		sendCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := ch.Send(sendCtx, alert); err != nil {
			m.logger.Error("Failed to send alert notification",
				zap.String("channel", name),
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
		cancel()
	}
	return alert
}

func alertMessage(rule *model.AlertRule, exec *model.JobExecution) string {
	switch rule.Type {
	case model.AlertTypeJobFailure:
		return fmt.Sprintf("job %s failed on attempt %d: %s", exec.JobName, exec.RetryNumber+1, exec.ErrorMessage)
	case model.AlertTypeTimeout:
		return fmt.Sprintf("job %s timed out: %s", exec.JobName, exec.ErrorMessage)
	default:
		return fmt.Sprintf("job %s skipped: %s", exec.JobName, exec.ErrorMessage)
	}
}

// LogChannel writes alerts to a logger
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log notification channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alerts")}
}

// Send implements NotificationChannel
func (c *LogChannel) Send(_ context.Context, alert *model.Alert) error {
	c.logger.Warn(alert.Message,
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.String("job_name", alert.JobName),
		zap.String("execution_id", alert.ExecutionID))
	return nil
}

// WebhookChannel posts alerts as JSON to a URL
type WebhookChannel struct {
	url        string
	httpClient *http.Client
}

// NewWebhookChannel creates a webhook notification channel
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:        url,
		httpClient: &http.Client{Timeout: notifyTimeout},
	}
}

// Send implements NotificationChannel
func (c *WebhookChannel) Send(ctx context.Context, alert *model.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
