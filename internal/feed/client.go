// Package feed ingests counterparty liquidity quotes over WebSocket and
// projects them into the requisite catalog.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// QuoteHandler is called for every decoded feed message.
type QuoteHandler func(msg *QuoteMessage)

// Credentials authenticate the subscription with the counterparty feed.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type subscribeRequest struct {
	Op          string      `json:"op"`
	Credentials Credentials `json:"credentials"`
	Currencies  []string    `json:"currencies,omitempty"`
}

// Client is a WebSocket client for a counterparty liquidity feed.
type Client struct {
	url            string
	creds          Credentials
	currencies     []string
	conn           *websocket.Conn
	logger         *zap.Logger
	handlers       []QuoteHandler
	handlersMu     sync.RWMutex
	connected      bool
	connectedMu    sync.RWMutex
	done           chan struct{}
	reconnectDelay time.Duration
}

// NewClient creates a new feed client.
func NewClient(url string, creds Credentials, currencies []string, logger *zap.Logger) *Client {
	return &Client{
		url:            url,
		creds:          creds,
		currencies:     currencies,
		logger:         logger,
		handlers:       make([]QuoteHandler, 0),
		done:           make(chan struct{}),
		reconnectDelay: 5 * time.Second,
	}
}

// Connect establishes the WebSocket connection and subscribes to quotes.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to liquidity feed", zap.String("url", c.url))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to feed: %w", err)
	}

	c.conn = conn
	c.setConnected(true)

	if err := c.subscribe(); err != nil {
		conn.Close()
		c.setConnected(false)
		return err
	}

	c.logger.Info("Subscribed to liquidity feed", zap.Strings("currencies", c.currencies))

	go c.readLoop()

	return nil
}

func (c *Client) subscribe() error {
	req := subscribeRequest{
		Op:          "subscribe",
		Credentials: c.creds,
		Currencies:  c.currencies,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe request: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send subscribe request: %w", err)
	}
	return nil
}

// Close closes the feed connection.
func (c *Client) Close() error {
	close(c.done)
	c.setConnected(false)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.connectedMu.RLock()
	defer c.connectedMu.RUnlock()
	return c.connected
}

func (c *Client) setConnected(connected bool) {
	c.connectedMu.Lock()
	defer c.connectedMu.Unlock()
	c.connected = connected
}

// AddHandler registers a quote handler.
func (c *Client) AddHandler(handler QuoteHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *Client) readLoop() {
	defer func() {
		c.setConnected(false)
		c.logger.Info("Feed read loop exited")
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("Feed closed normally")
					return
				}
				c.logger.Error("Error reading feed message", zap.Error(err))
				c.scheduleReconnect()
				return
			}

			c.logger.Debug("Received feed message", zap.String("payload", string(message)))

			var msg QuoteMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				c.logger.Error("Failed to unmarshal quote message", zap.Error(err))
				continue
			}

			c.notifyHandlers(&msg)
		}
	}
}

func (c *Client) notifyHandlers(msg *QuoteMessage) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	for _, handler := range c.handlers {
		handler(msg)
	}
}

func (c *Client) scheduleReconnect() {
	c.logger.Info("Scheduling feed reconnection", zap.Duration("delay", c.reconnectDelay))

	time.AfterFunc(c.reconnectDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := c.Connect(ctx); err != nil {
			c.logger.Error("Feed reconnection failed", zap.Error(err))
			c.scheduleReconnect()
		}
	})
}
