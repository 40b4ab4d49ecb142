package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prudhvinik1/signalhub/internal/models"
)

// Caller is the authenticated sender of a call-setup message.
type Caller struct {
	Username     string
	UserID       int64
	ConnectionID string
}

func (c Caller) validate() error {
	if c.Username == "" || c.UserID <= 0 {
		return ErrUnauthenticatedConnection
	}
	return nil
}

// PresenceDirectory is the read side of the presence tracker the relay needs.
type PresenceDirectory interface {
	GetOnlineUsersDetailed(ctx context.Context) ([]models.OnlineUser, error)
	GetConnectionsForUser(ctx context.Context, username string) ([]string, error)
}

// SignalingService relays WebRTC call-setup messages between connections.
// It keeps no per-call state; peers drive their own call state machine.
type SignalingService struct {
	presence PresenceDirectory
	fanout   Fanout
	logger   *slog.Logger
}

func NewSignalingService(presence PresenceDirectory, fanout Fanout, logger *slog.Logger) *SignalingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SignalingService{
		presence: presence,
		fanout:   fanout,
		logger:   logger,
	}
}

// SendOffer delivers an offer to every connection of targetUserID. It returns
// false without error when the target is not online.
func (s *SignalingService) SendOffer(ctx context.Context, caller Caller, targetUserID int64, offer string) (bool, error) {
	if err := caller.validate(); err != nil {
		return false, err
	}

	users, err := s.presence.GetOnlineUsersDetailed(ctx)
	if err != nil {
		return false, err
	}

	var target string
	for _, u := range users {
		if u.ID == targetUserID {
			target = u.Username
			break
		}
	}
	if target == "" {
		s.logger.Debug("Offer target not online",
			"caller", caller.Username,
			"target_user_id", targetUserID)
		return false, nil
	}

	return true, s.deliver(ctx, target, models.EventReceiveOffer, models.OfferMessage{
		CallerUsername:     caller.Username,
		CallerID:           caller.UserID,
		Offer:              offer,
		SourceConnectionID: caller.ConnectionID,
	})
}

func (s *SignalingService) SendAnswer(ctx context.Context, caller Caller, targetUsername, targetConnectionID, answer string) (bool, error) {
	return s.sendAddressed(ctx, caller, targetUsername, models.EventReceiveAnswer, models.AnswerMessage{
		CalleeUsername:     caller.Username,
		CalleeID:           caller.UserID,
		Answer:             answer,
		SourceConnectionID: caller.ConnectionID,
		TargetConnectionID: targetConnectionID,
	})
}

func (s *SignalingService) SendIceCandidate(ctx context.Context, caller Caller, targetUsername, targetConnectionID, candidate string) (bool, error) {
	return s.sendAddressed(ctx, caller, targetUsername, models.EventReceiveIceCandidate, models.IceCandidateMessage{
		SenderUsername:     caller.Username,
		SenderID:           caller.UserID,
		Candidate:          candidate,
		SourceConnectionID: caller.ConnectionID,
		TargetConnectionID: targetConnectionID,
	})
}

func (s *SignalingService) HangUp(ctx context.Context, caller Caller, targetUsername, targetConnectionID string) (bool, error) {
	return s.sendAddressed(ctx, caller, targetUsername, models.EventCallEnded, models.HangupMessage{
		SenderUsername:     caller.Username,
		SenderID:           caller.UserID,
		SourceConnectionID: caller.ConnectionID,
		TargetConnectionID: targetConnectionID,
	})
}

// sendAddressed delivers to every connection of targetUsername; receivers
// filter on TargetConnectionID.
func (s *SignalingService) sendAddressed(ctx context.Context, caller Caller, targetUsername, event string, msg any) (bool, error) {
	if err := caller.validate(); err != nil {
		return false, err
	}
	if targetUsername == "" {
		s.logger.Debug("Signaling message without target", "event", event, "caller", caller.Username)
		return false, nil
	}

	conns, err := s.presence.GetConnectionsForUser(ctx, targetUsername)
	if err != nil {
		return false, err
	}
	if len(conns) == 0 {
		s.logger.Debug("Signaling target not online",
			"event", event,
			"caller", caller.Username,
			"target", targetUsername)
		return false, nil
	}

	return true, s.deliver(ctx, targetUsername, event, msg)
}

func (s *SignalingService) deliver(ctx context.Context, username, event string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", event, err)
	}

	err = s.fanout.Deliver(ctx, models.Delivery{
		Username: username,
		Event:    event,
		Payload:  payload,
	})
	if err != nil {
		// individual push failures are not the sender's problem
		s.logger.Warn("Signaling delivery incomplete", "event", event, "target", username, "error", err)
	}
	return nil
}
