package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
	"live-quiz-service/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 << 10
)

type handlerFunc func(ctx context.Context, socketID string, raw json.RawMessage) error

type WSHandler struct {
	hub         *Hub
	quizzes     *app.QuizEngine
	tournaments *app.TournamentEngine
	upgrader    websocket.Upgrader
	routes      map[string]handlerFunc
}

func NewWSHandler(hub *Hub, quizzes *app.QuizEngine, tournaments *app.TournamentEngine) *WSHandler {
	h := &WSHandler{
		hub:         hub,
		quizzes:     quizzes,
		tournaments: tournaments,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.routes = map[string]handlerFunc{
		EvJoinQuiz:          h.joinQuiz,
		EvGetQuizState:      h.quizState,
		EvQuizSetQuestion:   h.setQuestion,
		EvQuizLock:          h.quizCommand(h.quizzes.Lock),
		EvQuizUnlock:        h.quizCommand(h.quizzes.Unlock),
		EvQuizPause:         h.quizCommand(h.quizzes.Pause),
		EvQuizResume:        h.quizCommand(h.quizzes.Resume),
		EvQuizTimerAction:   h.timerAction,
		EvQuizSetTimer:      h.setTimer,
		EvQuizCloseQuestion: h.closeQuestion,
		EvQuizEnd:           h.endQuiz,
		EvStartTournament:   h.startTournament,
		EvJoinTournament:    h.joinTournament,
		EvJoinLobby:         h.joinLobby,
		EvGetLobby:          h.lobbyParticipants,
		EvTournamentAnswer:  h.answer,
		EvTournamentPause:   h.tournamentControl(h.tournaments.Pause),
		EvTournamentResume:  h.tournamentControl(h.tournaments.Resume),
		EvTournamentNext:    h.tournamentControl(h.tournaments.Next),
	}
	return h
}

// ServeWS upgrades HTTP requests to websockets and routes every inbound event
// to the quiz and tournament engines.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws:upgrade] %v", err)
		return
	}
	defer conn.Close()

	c := h.hub.Register()
	writerDone := make(chan struct{})
	go h.writePump(conn, c, writerDone)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.hub.Unregister(c.id)
		<-writerDone
		// The request context is gone by now.
		h.quizzes.Disconnect(c.id)
		h.tournaments.Disconnect(context.Background(), c.id)
		log.Printf("[ws:disconnect] socket %s", c.id)
	}()

	h.hub.ToSocket(c.id, evConnected, map[string]string{"socketId": c.id})

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws:read] socket %s: %v", c.id, err)
			}
			return
		}
		h.dispatch(ctx, c.id, inbound)
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, c *client, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("[ws:write] socket %s: %v", c.id, err)
				conn.Close()
				// Keep draining so Unregister can close the queue.
				for range c.send {
				}
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				for range c.send {
				}
				return
			}
		}
	}
}

// dispatch runs one event. A panic in a handler is logged and does not take
// the connection down.
func (h *WSHandler) dispatch(ctx context.Context, socketID string, msg inboundMessage) {
	route, ok := h.routes[msg.Type]
	if !ok {
		metrics.Events.WithLabelValues("unknown").Inc()
		h.replyError(socketID, domain.Reject(domain.ReasonInvalid, fmt.Errorf("unknown event %q", msg.Type)))
		return
	}
	metrics.Events.WithLabelValues(msg.Type).Inc()

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[ws:%s] socket %s: panic: %v", msg.Type, socketID, rec)
			h.replyError(socketID, fmt.Errorf("internal error handling %s", msg.Type))
		}
	}()
	if err := route(ctx, socketID, msg.Payload); err != nil {
		if errors.Is(err, errInvalidPayload) {
			h.replyError(socketID, domain.Reject(domain.ReasonInvalid, err))
		}
		log.Printf("[ws:%s] socket %s: %v", msg.Type, socketID, err)
	}
}

func (h *WSHandler) replyError(socketID string, err error) {
	h.hub.ToSocket(socketID, evError, app.ErrorPayload{Reason: domain.ReasonOf(err), Message: err.Error()})
}

func (h *WSHandler) joinQuiz(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req joinQuizRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.quizzes.Join(ctx, app.JoinQuiz{QuizID: req.QuizID, SocketID: socketID, Role: req.Role, TeacherID: req.TeacherID})
}

func (h *WSHandler) quizState(_ context.Context, socketID string, raw json.RawMessage) error {
	var req quizStateRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	h.quizzes.State(req.QuizID, socketID)
	return nil
}

func command(req quizRequest, socketID string) app.QuizCommand {
	return app.QuizCommand{QuizID: req.QuizID, SocketID: socketID, TeacherID: req.TeacherID}
}

func (h *WSHandler) quizCommand(fn func(context.Context, app.QuizCommand) error) handlerFunc {
	return func(ctx context.Context, socketID string, raw json.RawMessage) error {
		var req quizRequest
		if err := decode(raw, &req); err != nil {
			return err
		}
		return fn(ctx, command(req, socketID))
	}
}

func (h *WSHandler) setQuestion(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req setQuestionRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.quizzes.SetQuestion(ctx, command(req.quizRequest, socketID), req.QuestionUID, req.QuestionIdx)
}

func (h *WSHandler) timerAction(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req timerActionRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.quizzes.TimerAction(ctx, command(req.quizRequest, socketID), req.Status, req.QuestionUID, req.TimeLeft)
}

func (h *WSHandler) setTimer(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req setTimerRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.quizzes.SetTimer(ctx, command(req.quizRequest, socketID), req.QuestionUID, req.TimeLeft)
}

func (h *WSHandler) closeQuestion(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req closeQuestionRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.quizzes.CloseQuestion(ctx, command(req.quizRequest, socketID), req.QuestionUID)
}

func (h *WSHandler) endQuiz(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req endQuizRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.quizzes.End(ctx, command(req.quizRequest, socketID), req.Force)
}

func (h *WSHandler) startTournament(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req codeRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.tournaments.Start(ctx, req.Code, socketID)
}

func (r *joinTournamentRequest) join(socketID string) app.JoinTournament {
	return app.JoinTournament{
		Code:     r.Code,
		SocketID: socketID,
		CookieID: r.CookieID,
		Name:     r.Pseudo,
		Avatar:   r.Avatar,
		Differed: r.Differed,
	}
}

func (h *WSHandler) joinTournament(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req joinTournamentRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.tournaments.Join(ctx, req.join(socketID))
}

func (h *WSHandler) joinLobby(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req joinTournamentRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	return h.tournaments.JoinLobby(ctx, req.join(socketID))
}

func (h *WSHandler) lobbyParticipants(_ context.Context, socketID string, raw json.RawMessage) error {
	var req codeRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	h.hub.ToSocket(socketID, app.EvLobbyParticipants, map[string]any{
		"code":         req.Code,
		"participants": h.tournaments.LobbyParticipants(req.Code),
	})
	return nil
}

func (h *WSHandler) answer(ctx context.Context, socketID string, raw json.RawMessage) error {
	var req answerRequest
	if err := decode(raw, &req); err != nil {
		return err
	}
	_, err := h.tournaments.Answer(ctx, app.SubmitAnswer{
		Code:            req.Code,
		SocketID:        socketID,
		QuestionUID:     req.QuestionUID,
		Submission:      req.submission(),
		ClientTimestamp: req.ClientTimestamp,
	})
	return err
}

// tournamentControl replies to the caller when a pause, resume or next is refused.
func (h *WSHandler) tournamentControl(fn func(code string) error) handlerFunc {
	return func(_ context.Context, socketID string, raw json.RawMessage) error {
		var req codeRequest
		if err := decode(raw, &req); err != nil {
			return err
		}
		if err := fn(req.Code); err != nil {
			h.hub.ToSocket(socketID, app.EvTournamentError, app.ErrorPayload{Reason: domain.ReasonOf(err), Message: err.Error()})
			return err
		}
		return nil
	}
}
