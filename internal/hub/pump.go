package hub

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prudhvinik1/signalhub/internal/models"
	"github.com/prudhvinik1/signalhub/internal/services"
)

type errorPayload struct {
	Method  string `json:"method,omitempty"`
	Message string `json:"message"`
}

func (h *Hub) readPump(client *Client) {
	defer h.disconnect(client)

	conn := client.conn
	conn.SetReadLimit(h.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Unexpected close", "conn_id", client.id, "error", err)
			}
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.pushError(client, "", "malformed frame")
			continue
		}

		if err := h.dispatch(context.Background(), client, frame); err != nil {
			if errors.Is(err, services.ErrUnauthenticatedConnection) {
				h.pushError(client, frame.Type, err.Error())
				client.Close()
				return
			}
			h.pushError(client, frame.Type, err.Error())
		}
	}
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	conn := client.conn
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, client *Client, frame models.Frame) error {
	if h.relay == nil && frame.Type != models.MethodKeepAliveResponse {
		return errors.New("signaling not available")
	}

	caller := client.caller()

	switch frame.Type {
	case models.MethodKeepAliveResponse:
		h.presence.HandleKeepAliveResponse(client.id)
		return nil

	case models.MethodSendOffer:
		var req models.SendOfferRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return errors.New("invalid SendOffer payload")
		}
		_, err := h.relay.SendOffer(ctx, caller, req.TargetUserID, req.Offer)
		return err

	case models.MethodSendAnswer:
		var req models.SendAnswerRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return errors.New("invalid SendAnswer payload")
		}
		_, err := h.relay.SendAnswer(ctx, caller, req.TargetUsername, req.TargetConnectionID, req.Answer)
		return err

	case models.MethodSendIceCandidate:
		var req models.SendIceCandidateRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return errors.New("invalid SendIceCandidate payload")
		}
		_, err := h.relay.SendIceCandidate(ctx, caller, req.TargetUsername, req.TargetConnectionID, req.Candidate)
		return err

	case models.MethodHangUp:
		var req models.HangUpRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			return errors.New("invalid HangUp payload")
		}
		_, err := h.relay.HangUp(ctx, caller, req.TargetUsername, req.TargetConnectionID)
		return err

	default:
		return errors.New("unknown method")
	}
}

func (h *Hub) pushError(client *Client, method, message string) {
	err := h.PushToConnection(client.id, models.EventError, errorPayload{Method: method, Message: message})
	if err != nil {
		h.logger.Debug("Failed to push error", "conn_id", client.id, "error", err)
	}
}
