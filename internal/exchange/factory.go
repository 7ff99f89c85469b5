package exchange

import (
	"fmt"
	"sync"

	"cross-arb-bot-go/internal/config"
	"go.uber.org/zap"
)

// RestFactory creates REST clients from configuration. Clients are cached,
// so every caller asking for the same exchange shares one rate limiter.
type RestFactory struct {
	configs map[string]config.Exchange
	retries int
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]Client
}

var _ Factory = (*RestFactory)(nil)

// NewRestFactory creates a factory over the configured exchanges.
// maxRetries is the per-request attempt budget handed to every client.
func NewRestFactory(configs map[string]config.Exchange, maxRetries int, logger *zap.Logger) *RestFactory {
	return &RestFactory{
		configs: configs,
		retries: maxRetries,
		logger:  logger,
		clients: make(map[string]Client),
	}
}

// CreateClient returns the client for a configured exchange name.
func (f *RestFactory) CreateClient(name string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if client, ok := f.clients[name]; ok {
		return client, nil
	}

	cfg, ok := f.configs[name]
	if !ok {
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}

	client := NewRestClient(name, &cfg, f.retries, f.logger)
	f.clients[name] = client
	return client, nil
}
