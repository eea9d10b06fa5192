package mailer

import (
	"fmt"
	"time"
)

// Config 邮件投递服务配置
type Config struct {
	BaseURL  string        `yaml:"base_url"`
	SendPath string        `yaml:"send_path"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		BaseURL:  "http://localhost:9100",
		SendPath: "/api/send-email",
		Timeout:  15 * time.Second,
	}
}

// Message 是投递服务接受的请求体
type Message struct {
	To       string `json:"to"`
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`
	CC       string `json:"cc,omitempty"`
	BCC      string `json:"bcc,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	CardID   string `json:"cardId"`
	SentVia  string `json:"sentVia,omitempty"`
}

// SendResult 投递结果
type SendResult struct {
	StatusCode int    `json:"status_code"`
	MessageID  string `json:"message_id,omitempty"`
}

// DispatchError 投递服务返回非 2xx
type DispatchError struct {
	StatusCode int
	Body       string
}

func (e *DispatchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("email dispatch failed with status %d", e.StatusCode)
	}
	return e.Body
}
