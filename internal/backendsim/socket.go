package backendsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/gigchat/internal/protocol"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

type client struct {
	userID string
	conn   *websocket.Conn
	logger *zap.Logger

	wmu  sync.Mutex
	once sync.Once
}

func (c *client) send(f protocol.Frame) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, f); err != nil {
		c.logger.Debug("write failed", zap.String("user_id", c.userID), zap.Error(err))
	}
}

func (c *client) push(event string, payload any) {
	f, err := protocol.NewEvent(event, payload)
	if err != nil {
		c.logger.Error("encode push", zap.String("event", event), zap.Error(err))
		return
	}
	c.send(f)
}

func (c *client) close() {
	c.once.Do(func() {
		_ = c.conn.Close(websocket.StatusGoingAway, "dropped")
	})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 20)
	cl := &client{userID: userFrom(r.Context()), conn: conn, logger: s.logger}

	s.mu.Lock()
	if s.clients[cl.userID] == nil {
		s.clients[cl.userID] = make(map[*client]struct{})
	}
	s.clients[cl.userID][cl] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("socket open", zap.String("user_id", cl.userID))

	defer func() {
		s.mu.Lock()
		delete(s.clients[cl.userID], cl)
		s.mu.Unlock()
		cl.close()
		s.logger.Debug("socket closed", zap.String("user_id", cl.userID))
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := protocol.ParseFrame(data)
		if err != nil || f.Type != protocol.FrameEmit {
			s.logger.Debug("ignoring frame", zap.Error(err))
			continue
		}
		payload, cmdErr := s.dispatch(cl.userID, f)
		if f.ID == 0 {
			continue
		}
		ack, err := protocol.NewAck(f.ID, payload, cmdErr)
		if err != nil {
			ack, _ = protocol.NewAck(f.ID, nil, err)
		}
		cl.send(ack)
	}
}

func (s *Server) dispatch(userID string, f protocol.Frame) (any, error) {
	switch f.Event {
	case protocol.EventUserConnect:
		var req protocol.UserConnectRequest
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		if req.UserID != userID {
			return nil, errors.New("userId does not match token")
		}
		return s.Conversations(userID), nil

	case protocol.EventJoinOldConversations:
		return nil, nil

	case protocol.EventInitializeConversation:
		var req protocol.InitializeConversationRequest
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		return s.initialize(userID, req.RecipientID)

	case protocol.EventSendMessage:
		var req protocol.SendMessageRequest
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		if req.SenderID != userID {
			return nil, errors.New("senderId does not match token")
		}
		return s.post(req)

	case protocol.EventMarkMessageAsSeen:
		var req protocol.MarkSeenRequest
		if err := decode(f.Data, &req); err != nil {
			return nil, err
		}
		if err := s.MarkSeen(req.ConversationID, userID); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}
	return nil, fmt.Errorf("unknown event %q", f.Event)
}

// initialize returns the direct conversation between userID and recipientID,
// creating it on first use.
func (s *Server) initialize(userID, recipientID string) (protocol.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		c := s.convos[id]
		if c.Type == protocol.TypeDirect && len(c.Recipients) == 2 && isMember(c, userID) && isMember(c, recipientID) {
			return cloneConversation(c), nil
		}
	}
	c, err := s.createLocked(protocol.TypeDirect, "", []string{userID, recipientID})
	if err != nil {
		return protocol.Conversation{}, err
	}
	return cloneConversation(c), nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	return nil
}
