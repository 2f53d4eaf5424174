package realtime

import (
	"context"

	"github.com/sirupsen/logrus"

	"erasmusly/messaging-service/internal/models"
)

// Router fans a persisted message out to every session joined to its chat.
// Delivery is best effort: a session that cannot take the frame is detached
// and the send still succeeds. Missed messages are recovered from history.
type Router struct {
	registry *Registry
	logger   *logrus.Logger
}

func NewRouter(registry *Registry, logger *logrus.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// Publish satisfies service.Publisher.
func (r *Router) Publish(ctx context.Context, msg *models.Message) {
	r.Deliver(msg)
}

// Deliver pushes msg to the current members of msg.ChatID, sender included,
// and returns how many sessions accepted it.
func (r *Router) Deliver(msg *models.Message) int {
	members := r.registry.Members(msg.ChatID)
	if len(members) == 0 {
		return 0
	}

	payload, err := EncodeMessageFrame(msg)
	if err != nil {
		r.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to encode message frame")
		return 0
	}

	delivered := 0
	for _, s := range members {
		if err := s.Send(payload); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"session_id": s.ID(),
				"chat_id":    msg.ChatID,
				"message_id": msg.ID,
			}).Debug("Dropping dead session")
			r.registry.Detach(s.ID())
			continue
		}
		delivered++
	}
	return delivered
}
