// Package notify alerts an operator away from the approval UI: a
// high-risk job sitting in pending_approval, or a job that ended in
// execution_failed/execution_timeout, gets pushed to Telegram.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is an alert's severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one notification.
type Alert struct {
	Level   Level
	Title   string
	Message string
	Details map[string]string
}

// Telegram sends Alerts to a Telegram chat via the Bot API. A Telegram
// with an empty BotToken/ChatID is a no-op, so wiring it unconditionally
// is safe when the operator hasn't configured alerting.
type Telegram struct {
	BotToken string
	ChatID   string
	Log      *logrus.Logger
	client   *http.Client
}

// New builds a Telegram notifier. botToken/chatID empty disables sending.
func New(botToken, chatID string, log *logrus.Logger) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		Log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) enabled() bool { return t != nil && t.BotToken != "" && t.ChatID != "" }

// Send delivers alert, logging but not returning an error on failure —
// alerting must never block the job pipeline it is watching.
func (t *Telegram) Send(alert Alert) {
	if !t.enabled() {
		return
	}
	if err := t.send(alert); err != nil && t.Log != nil {
		t.Log.WithError(err).Warn("telegram: failed to send alert")
	}
}

func (t *Telegram) send(alert Alert) error {
	emoji := "ℹ️"
	switch alert.Level {
	case LevelWarning:
		emoji = "⚠️"
	case LevelCritical:
		emoji = "🚨"
	}

	message := fmt.Sprintf("%s *%s*\n\n*%s*\n\n%s", emoji, alert.Level, alert.Title, alert.Message)
	if len(alert.Details) > 0 {
		message += "\n\n*Details:*"
		for key, value := range alert.Details {
			message += fmt.Sprintf("\n• %s: `%s`", key, value)
		}
	}
	return t.sendMessage(message)
}

func (t *Telegram) sendMessage(text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	payload := map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling telegram payload: %w", err)
	}

	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram API error: %s", string(body))
	}
	return nil
}

// PendingApproval alerts on a newly bridged job above the high-risk
// threshold.
func (t *Telegram) PendingApproval(jobID, command string, args []string, riskScore int, riskFactors []string) {
	if riskScore < 5 {
		return
	}
	t.Send(Alert{
		Level:   LevelWarning,
		Title:   "Command awaiting approval",
		Message: fmt.Sprintf("`%s %v` (risk %d) is waiting for a decision.", command, args, riskScore),
		Details: map[string]string{"job_id": jobID},
	})
}

// JobFailed alerts on a terminal failure or timeout.
func (t *Telegram) JobFailed(jobID, command, reason string, timedOut bool) {
	title := "Command execution failed"
	if timedOut {
		title = "Command execution timed out"
	}
	t.Send(Alert{
		Level:   LevelCritical,
		Title:   title,
		Message: fmt.Sprintf("`%s` on job %s: %s", command, jobID, reason),
		Details: map[string]string{"job_id": jobID},
	})
}
