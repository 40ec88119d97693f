package feedapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatwire/pkg/circuitbreaker"
	"chatwire/pkg/constants"
	"chatwire/pkg/feedapi/types"

	"github.com/sirupsen/logrus"
)

// Backend calls fail fast once the breaker trips; the values mirror the
// profile of a flaky-but-recovering chat backend.
const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

type Client interface {
	InsertMessage(ctx context.Context, msg types.NewMessage) (*types.Message, error)
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]types.Message, error)
	GetPresence(ctx context.Context, userID string) (*types.PresenceRecord, error)
	PutPresence(ctx context.Context, userID string, record types.PresenceRecord) error
	Subscribe(ctx context.Context, chatID string) (*Subscription, error)
	Ping(ctx context.Context) error
	BreakerStats() (circuitbreaker.Stats, bool)
}

type FeedClient struct {
	baseURL string
	feedURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

func NewClient(cfg types.ClientConfig) Client {
	return NewClientWithLogger(cfg, nil)
}

func NewClientWithLogger(cfg types.ClientConfig, logger *logrus.Logger) Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultHTTPTimeoutSec * time.Second
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.NewWithLogger("feed-api", breakerMaxFailures, breakerResetTimeout, logger)
	}

	return &FeedClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		feedURL: strings.TrimSuffix(cfg.FeedURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// BreakerStats exposes the circuit breaker counters for the status surface.
// The second return is false when the breaker is disabled.
func (c *FeedClient) BreakerStats() (circuitbreaker.Stats, bool) {
	if c.breaker == nil {
		return circuitbreaker.Stats{}, false
	}
	return c.breaker.GetStats(), true
}

// execute routes a call through the circuit breaker when one is configured
func (c *FeedClient) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker == nil {
		return fn(ctx)
	}
	return c.breaker.Execute(ctx, fn)
}

func (c *FeedClient) setHeaders(req *http.Request, hasBody bool) {
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func (c *FeedClient) InsertMessage(ctx context.Context, msg types.NewMessage) (*types.Message, error) {
	var result types.Message

	err := c.execute(ctx, func(ctx context.Context) error {
		jsonData, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		endpoint := fmt.Sprintf("%s%s%s", c.baseURL, types.APIBase, types.EndpointMessages)
		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"chatId":   msg.ChatID,
		}).Debug("Inserting message")

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, true)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("feed API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

func (c *FeedClient) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	return c.execute(ctx, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s%s%s/%s%s/%s",
			c.baseURL, types.APIBase, types.EndpointConversations,
			url.PathEscape(chatID), types.EndpointMessages, url.PathEscape(messageID))

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, false)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		// 404 means another session already deleted it, which is the outcome
		// we wanted anyway.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
			resp.StatusCode != http.StatusNotFound {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("feed API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
		}
		return nil
	})
}

func (c *FeedClient) ListMessages(ctx context.Context, chatID string, limit int) ([]types.Message, error) {
	var result types.ListMessagesResponse

	err := c.execute(ctx, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s%s%s/%s%s",
			c.baseURL, types.APIBase, types.EndpointConversations,
			url.PathEscape(chatID), types.EndpointMessages)
		if limit > 0 {
			endpoint += fmt.Sprintf("?limit=%d", limit)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, false)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("feed API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
		}

		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result.Messages, nil
}

func (c *FeedClient) GetPresence(ctx context.Context, userID string) (*types.PresenceRecord, error) {
	var record *types.PresenceRecord

	err := c.execute(ctx, func(ctx context.Context) error {
		endpoint := fmt.Sprintf("%s%s%s/%s",
			c.baseURL, types.APIBase, types.EndpointPresence, url.PathEscape(userID))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, false)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		// No record yet: the user has never been online
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("feed API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
		}

		var decoded types.PresenceRecord
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		record = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

func (c *FeedClient) PutPresence(ctx context.Context, userID string, record types.PresenceRecord) error {
	return c.execute(ctx, func(ctx context.Context) error {
		jsonData, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}

		endpoint := fmt.Sprintf("%s%s%s/%s",
			c.baseURL, types.APIBase, types.EndpointPresence, url.PathEscape(userID))

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewBuffer(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req, true)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			bodyBytes, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("feed API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
		}
		return nil
	})
}

// Ping verifies the backend is reachable. Used once at startup; failures are
// reported but not fatal since the supervisor retries subscriptions anyway.
func (c *FeedClient) Ping(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s%s/health", c.baseURL, types.APIBase)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, false)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("feed API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}
