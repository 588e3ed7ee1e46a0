package registry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"fulcrum-registry/queues"
)

// Controller wires queue consumption to the registry. It decodes each fleet
// event envelope, routes it to the matching registry operation, and
// publishes registration results back to the node.
type Controller struct {
	registry  *Registry
	publisher queues.Publisher
}

func NewController(r *Registry, p queues.Publisher) *Controller {
	return &Controller{registry: r, publisher: p}
}

// Handle processes one fleet event. Unknown event types are an error so the
// transport can surface them; malformed payloads of known types are too.
func (c *Controller) Handle(ctx context.Context, env *queues.Envelope) error {
	switch env.Type {
	case queues.TypeRegistrationRequest:
		return c.handleRegistration(ctx, env)
	case queues.TypeHeartbeat:
		var hb queues.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return err
		}
		return c.registry.ApplyHeartbeat(Heartbeat{ServerID: hb.ServerID, PlayerCount: hb.PlayerCount, TPS: hb.TPS})
	case queues.TypeSlotStatus:
		var u queues.SlotStatusUpdate
		if err := env.Decode(&u); err != nil {
			return err
		}
		return c.registry.ApplySlotUpdate(SlotUpdate{
			SlotID:        u.SlotID,
			SlotSuffix:    u.SlotSuffix,
			Status:        u.Status,
			MaxPlayers:    u.MaxPlayers,
			OnlinePlayers: u.OnlinePlayers,
			Metadata:      u.Metadata,
		})
	case queues.TypeFamilyCapacity:
		var fc queues.FamilyCapacity
		if err := env.Decode(&fc); err != nil {
			return err
		}
		return c.registry.ApplyFamilyCapacities(fc.ServerID, fc.Capacities)
	case queues.TypeNodeTimeout:
		var nt queues.NodeTimeout
		if err := env.Decode(&nt); err != nil {
			return err
		}
		return c.registry.HandleNodeTimeout(ctx, nt.ServerID)
	default:
		return fmt.Errorf("controller: unknown event type %q", env.Type)
	}
}

func (c *Controller) handleRegistration(ctx context.Context, env *queues.Envelope) error {
	var req queues.RegistrationRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	if req.TempID == "" || req.ServerType == "" {
		return fmt.Errorf("controller: registration request missing tempId or serverType")
	}
	log.Info().Str("tempId", req.TempID).Str("serverType", req.ServerType).Msg("controller: handling registration request")

	id, err := c.registry.RegisterServer(ctx, Registration{
		TempID:      req.TempID,
		ServerType:  req.ServerType,
		Role:        req.Role,
		Address:     req.Address,
		Port:        req.Port,
		MaxCapacity: req.MaxCapacity,
	})
	if err != nil {
		log.Error().Err(err).Str("tempId", req.TempID).Msg("controller: registration failed")
		return c.publishFailure(ctx, req.TempID, err.Error())
	}

	res := &queues.RegistrationResult{
		EnvelopeVersion: "1.0",
		Type:            "registration-result",
		TempID:          req.TempID,
		AssignedID:      id,
		Status:          queues.StatusSuccess,
	}
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("tempId", req.TempID).Str("serverId", id).Msg("controller: failed to publish registration result")
		return err
	}
	return nil
}

func (c *Controller) publishFailure(ctx context.Context, tempID, message string) error {
	res := &queues.RegistrationResult{
		EnvelopeVersion: "1.0",
		Type:            "registration-result",
		TempID:          tempID,
		Status:          queues.StatusFailure,
		ErrorMessage:    &message,
	}
	if err := c.publisher.PublishResult(ctx, res); err != nil {
		log.Error().Err(err).Str("tempId", tempID).Msg("controller: failed to publish failure result")
		return err
	}
	return nil
}
