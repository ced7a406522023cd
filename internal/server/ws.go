package server

import (
	"context"
	"encoding/json"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"wager/internal/errs"
	"wager/internal/game"
	"wager/internal/logger"
	"wager/internal/settlement"
)

type clientMessage struct {
	Type       string          `json:"type"`
	RoundID    string          `json:"round_id,omitempty"`
	Stake      int64           `json:"stake,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	ClientSeed string          `json:"client_seed,omitempty"`
}

type serverMessage struct {
	Type  string     `json:"type"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

// crashSocketHandler streams table events and accepts crash bets and
// cash-outs from identified accounts.
func (s *FiberServer) crashSocketHandler(conn *websocket.Conn) {
	account, _ := conn.Locals(localAccount).(string)
	ctx := logger.WithRequestID(context.Background(), "ws:"+account)

	client := s.hub.Register(conn, account)
	defer s.hub.Unregister(client)
	go client.writePump()

	if snap, ok := s.crashSnapshot(ctx); ok {
		client.sendJSON(serverMessage{Type: "initial_state", Data: snap})
	}

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			logger.DebugCtx(ctx, "ws read ended", zap.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		client.sendJSON(s.handleClientMessage(ctx, account, msg))
	}
}

func (s *FiberServer) handleClientMessage(ctx context.Context, account string, msg clientMessage) serverMessage {
	switch msg.Type {
	case "ping":
		return serverMessage{Type: "pong"}

	case "place_bet":
		if account == "" {
			return replyError("bet_result", errs.Invalid("account required"))
		}
		res, err := s.orchestrator.PlaceBet(ctx, settlement.BetRequest{
			AccountID:  account,
			Game:       game.TypeCrash,
			Params:     msg.Params,
			Stake:      msg.Stake,
			ClientSeed: msg.ClientSeed,
		})
		if err != nil {
			return replyError("bet_result", err)
		}
		return serverMessage{Type: "bet_result", Data: res}

	case "cash_out":
		if account == "" {
			return replyError("cash_out_result", errs.Invalid("account required"))
		}
		m, err := s.orchestrator.RequestCashOut(ctx, account, msg.RoundID)
		if err != nil {
			return replyError("cash_out_result", err)
		}
		return serverMessage{Type: "cash_out_result", Data: cashOutResponse{RoundID: msg.RoundID, Multiplier: m}}
	}
	return replyError("error", errs.Invalid("unknown message type "+msg.Type))
}

func replyError(kind string, err error) serverMessage {
	code, msg := errs.Public(err)
	return serverMessage{Type: kind, Error: &errorBody{Code: string(code), Message: msg}}
}
