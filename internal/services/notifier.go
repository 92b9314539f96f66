package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taxfolio/taxfolio-api/internal/logger"
	"github.com/taxfolio/taxfolio-api/internal/resilience"
	"github.com/taxfolio/taxfolio-api/internal/types/business"
)

// NotificationEndpoint is a merchant-registered webhook receiver.
type NotificationEndpoint struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"-"`
	Events []string `json:"events,omitempty"` // empty subscribes to everything
}

// NotificationService fans out signed event notifications to every
// endpoint a workspace has registered. Delivery is best effort with the
// deliverer's retry schedule; failures are logged, never bubbled to the
// triggering request.
type NotificationService struct {
	deliverer *resilience.WebhookDeliverer
	logger    *zap.Logger

	mu        sync.RWMutex
	endpoints map[string][]NotificationEndpoint
}

func NewNotificationService(deliverer *resilience.WebhookDeliverer) *NotificationService {
	return &NotificationService{
		deliverer: deliverer,
		logger:    logger.Log,
		endpoints: make(map[string][]NotificationEndpoint),
	}
}

// RegisterEndpoint subscribes a receiver URL for a workspace and returns
// the endpoint with its generated ID.
func (n *NotificationService) RegisterEndpoint(workspaceID string, endpoint NotificationEndpoint) NotificationEndpoint {
	endpoint.ID = uuid.New().String()

	n.mu.Lock()
	n.endpoints[workspaceID] = append(n.endpoints[workspaceID], endpoint)
	n.mu.Unlock()

	n.logger.Info("Registered notification endpoint",
		zap.String("workspace_id", workspaceID),
		zap.String("endpoint_id", endpoint.ID),
		zap.String("url", endpoint.URL))
	return endpoint
}

// RemoveEndpoint drops an endpoint by ID. Returns false when not found.
func (n *NotificationService) RemoveEndpoint(workspaceID, endpointID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	list := n.endpoints[workspaceID]
	for i, ep := range list {
		if ep.ID == endpointID {
			n.endpoints[workspaceID] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// ListEndpoints returns a workspace's registered endpoints.
func (n *NotificationService) ListEndpoints(workspaceID string) []NotificationEndpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]NotificationEndpoint(nil), n.endpoints[workspaceID]...)
}

// Notify delivers an event to every subscribed endpoint concurrently and
// reports how many deliveries succeeded.
func (n *NotificationService) Notify(ctx context.Context, workspaceID, event string, data map[string]interface{}) int {
	n.mu.RLock()
	targets := make([]NotificationEndpoint, 0, len(n.endpoints[workspaceID]))
	for _, ep := range n.endpoints[workspaceID] {
		if subscribed(ep, event) {
			targets = append(targets, ep)
		}
	}
	n.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var (
		mu        sync.Mutex
		delivered int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			payload := &business.WebhookPayload{
				ID:        uuid.New().String(),
				Event:     event,
				Data:      data,
				Timestamp: time.Now().UTC(),
			}
			if n.deliverer.Deliver(gctx, target.URL, payload, target.Secret) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if delivered < len(targets) {
		n.logger.Warn("Some notification deliveries failed",
			zap.String("workspace_id", workspaceID),
			zap.String("event", event),
			zap.Int("delivered", delivered),
			zap.Int("targets", len(targets)))
	}
	return delivered
}

func subscribed(ep NotificationEndpoint, event string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == event {
			return true
		}
	}
	return false
}
