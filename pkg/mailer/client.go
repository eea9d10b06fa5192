package mailer

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client 邮件投递 HTTP 客户端
type Client struct {
	http     *resty.Client
	sendPath string
	logger   *logrus.Logger
}

// NewClient 创建客户端；单次投递，不做重试
func NewClient(cfg *Config, logger *logrus.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	sendPath := cfg.SendPath
	if sendPath == "" {
		sendPath = DefaultConfig().SendPath
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetTransport(otelhttp.NewTransport(http.DefaultTransport)).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "Pipeflow-Mailer/1.0")
	if cfg.APIKey != "" {
		rc.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Client{http: rc, sendPath: sendPath, logger: logger}
}

// Send 投递一封邮件。非 2xx 返回 *DispatchError，Body 为响应内容
func (c *Client) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg == nil {
		return nil, fmt.Errorf("message required")
	}

	var payload struct {
		ID        string `json:"id"`
		MessageID string `json:"message_id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(msg).
		SetResult(&payload).
		Post(c.sendPath)
	if err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"card_id": msg.CardID,
		"status":  resp.StatusCode(),
	}).Debug("email dispatch response")

	if !resp.IsSuccess() {
		return nil, &DispatchError{StatusCode: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}

	result := &SendResult{StatusCode: resp.StatusCode(), MessageID: payload.MessageID}
	if result.MessageID == "" {
		result.MessageID = payload.ID
	}
	return result, nil
}
