// SPDX-License-Identifier: GPL-3.0-or-later

// Package remote classifies messages with an OpenAI chat completion model.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CrawX/go-mail-triage/domain"
	"github.com/CrawX/go-mail-triage/log"
	"github.com/CrawX/go-mail-triage/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	DefaultModel      = "gpt-4o-mini"
	DefaultTimeout    = 2 * time.Minute
	defaultMaxRetries = 3
)

// ChatClient is the part of the OpenAI client used here.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration

	MaxRetries      uint64
	InitialInterval time.Duration
}

type Classifier struct {
	client  ChatClient
	model   string
	timeout time.Duration
	retry   func() backoff.BackOff
	cb      *gobreaker.CircuitBreaker
	l       *logrus.Logger
}

func NewClassifier(cfg Config) *Classifier {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return NewClassifierWithClient(openai.NewClientWithConfig(clientConfig), cfg)
}

func NewClassifierWithClient(client ChatClient, cfg Config) *Classifier {
	l := log.Logger(log.LOG_REMOTE)

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}

	cbSettings := gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 1,
		Interval:    5 * time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var permanent *backoff.PermanentError
			return err == nil || errors.As(err, &permanent)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("Circuit breaker changed state")
		},
	}

	return &Classifier{
		client:  client,
		model:   model,
		timeout: timeout,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if cfg.InitialInterval > 0 {
				b.InitialInterval = cfg.InitialInterval
			}
			b.MaxElapsedTime = timeout
			return backoff.WithMaxRetries(b, maxRetries)
		},
		cb: gobreaker.NewCircuitBreaker(cbSettings),
		l:  l,
	}
}

// Classify asks the model for one category per item. The returned labels are
// whatever the model answered, callers have to validate ids and categories.
func (c *Classifier) Classify(ctx context.Context, items []domain.RemoteItem) ([]domain.RemoteLabel, error) {
	if len(items) == 0 {
		return nil, nil
	}

	request := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(items)},
		},
		Temperature: 0,
	}

	var reply string
	operation := func() error {
		result, err := c.cb.Execute(func() (interface{}, error) {
			return c.complete(ctx, request)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			c.l.WithError(err).Debug("Remote call failed")
			return err
		}
		reply = result.(string)
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(c.retry(), ctx))
	if err != nil {
		metrics.RemoteCallsTotal.WithLabelValues(metrics.ResultError).Inc()
		return nil, fmt.Errorf("could not classify remotely: %w", err)
	}

	labels, err := ParseLabels(reply)
	if err != nil {
		metrics.RemoteCallsTotal.WithLabelValues(metrics.ResultError).Inc()
		c.l.WithField("reply", reply).Debug("Unparseable reply")
		return nil, err
	}

	metrics.RemoteCallsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	c.l.WithFields(logrus.Fields{"items": len(items), "labels": len(labels)}).Info("Classified remotely")
	return labels, nil
}

func (c *Classifier) complete(ctx context.Context, request openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, request)
	if err != nil {
		if !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("empty reply")
	}
	return resp.Choices[0].Message.Content, nil
}

// retryable reports whether a failed request may succeed when sent again.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func SystemPrompt() string {
	b := strings.Builder{}
	b.WriteString("You are an email classification assistant. Classify each email into exactly one of the following categories:\n\n")
	for _, c := range domain.Categories() {
		if c == domain.CategoryUncategorized {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", c, c.Description())
	}
	b.WriteString("\nOnly reply with a raw JSON array of objects using this format:\n")
	b.WriteString(`[{"id": "<email_id>", "category": "<chosen_category>"}, ...]`)
	return b.String()
}

func UserPrompt(items []domain.RemoteItem) string {
	blocks := make([]string, 0, len(items))
	for _, item := range items {
		blocks = append(blocks, fmt.Sprintf("ID: %s\nSender: %s <%s>\nSubject: %s", item.ID, item.SenderName, item.SenderAddress, item.Subject))
	}
	return "Please classify the following emails:\n\nEmails:\n" + strings.Join(blocks, "\n\n")
}

type wrappedLabels struct {
	Results []domain.RemoteLabel `json:"results"`
}

// ParseLabels reads a model reply. Markdown code fences are stripped and an
// object with a "results" array is accepted as well as a bare array.
func ParseLabels(reply string) ([]domain.RemoteLabel, error) {
	reply = stripFences(reply)

	labels := []domain.RemoteLabel{}
	var err error
	if strings.HasPrefix(reply, "{") {
		wrapped := wrappedLabels{}
		err = json.Unmarshal([]byte(reply), &wrapped)
		labels = wrapped.Results
	} else {
		err = json.Unmarshal([]byte(reply), &labels)
	}
	if err != nil {
		return nil, fmt.Errorf("could not parse reply: %w", err)
	}

	result := make([]domain.RemoteLabel, 0, len(labels))
	for _, l := range labels {
		if strings.TrimSpace(l.ID) == "" {
			continue
		}
		result = append(result, l)
	}
	return result, nil
}

func stripFences(reply string) string {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, "```") {
		return reply
	}
	reply = strings.TrimPrefix(reply, "```")
	reply = strings.TrimPrefix(reply, "json")
	reply = strings.TrimSuffix(strings.TrimSpace(reply), "```")
	return strings.TrimSpace(reply)
}
