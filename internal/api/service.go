// Package api exposes the messaging session over gRPC on the profile's Unix
// socket.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/matheus3301/gigchat/internal/auth"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/connection"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/messaging"
	"github.com/matheus3301/gigchat/internal/outbox"
	"github.com/matheus3301/gigchat/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MessagingService implements MessagingServer on top of a Host.
type MessagingService struct {
	profile   string
	startedAt time.Time
	host      *messaging.Host
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewMessagingService creates the service. b is the daemon bus every
// session publishes on.
func NewMessagingService(profile string, host *messaging.Host, b *bus.Bus, logger *zap.Logger) *MessagingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessagingService{
		profile:   profile,
		startedAt: time.Now(),
		host:      host,
		bus:       b,
		logger:    logger.Named("api"),
	}
}

func (s *MessagingService) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := StatusResponse{
		Profile:  s.profile,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		State:    status.Disconnected,
	}
	if sess, err := s.host.Current(); err == nil {
		st := sess.ConnectionStatus()
		resp.LoggedIn = true
		resp.UserID = sess.UserID()
		resp.State = st.State
		resp.Since = st.Since
		resp.Attempt = st.Attempt
		resp.NextRetry = st.NextRetry
		resp.LastError = st.LastError
		resp.Loading = sess.Store().Loading()
		resp.UnreadTotal = sess.Store().UnreadTotal()
		resp.Route = sess.Route()
		if ts, ok := sess.LastFullSync(); ok {
			resp.LastSync = ts
		}
	}
	return reply(resp)
}

func (s *MessagingService) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req LoginRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Login(ctx, req.Token)
	if err != nil {
		return nil, toStatus("login", err)
	}
	return reply(LoginResponse{UserID: sess.UserID()})
}

func (s *MessagingService) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.host.Logout(); err != nil {
		return nil, toStatus("logout", err)
	}
	return reply(Empty{})
}

func (s *MessagingService) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ListConversationsRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	sess.FetchUserChats(ctx, req.CurrentConversationID)
	v := sess.View()
	resp := ListConversationsResponse{
		Conversations: v.Conversations,
		UnreadTotal:   v.UnreadTotal,
		Loading:       v.Loading,
	}
	if resp.Conversations == nil {
		resp.Conversations = []messaging.ConversationView{}
	}
	if v.Active != nil {
		resp.ActiveID = v.Active.ID
	}
	return reply(resp)
}

func (s *MessagingService) GetConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("get conversation", err)
	}
	c, ok := sess.GetConversation(req.ConversationID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %q not found", req.ConversationID)
	}
	return reply(messaging.NewConversationView(c))
}

func (s *MessagingService) SetActiveConversation(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("set active conversation", err)
	}
	c, err := sess.SetActiveConversation(req.ConversationID)
	if err != nil {
		return nil, toStatus("set active conversation", err)
	}
	return reply(messaging.NewConversationView(c))
}

func (s *MessagingService) StartConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req StartConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	if req.RecipientID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "recipientId is required")
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("start conversation", err)
	}
	id, ok := sess.StartConversation(ctx, req.RecipientID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.Unavailable, "conversation with %q was not started", req.RecipientID)
	}
	return reply(StartConversationResponse{ConversationID: id})
}

func (s *MessagingService) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req SendMessageRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("send message", err)
	}
	receipt, err := sess.SendMessage(ctx, outbox.Request{
		ConversationID: req.ConversationID,
		Type:           req.Type,
		Text:           req.Text,
		Attachments:    req.Attachments,
	})
	return s.sendReply("send message", receipt, err)
}

func (s *MessagingService) RetryMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MessageRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	receipt, err := sess.RetryMessage(ctx, req.ConversationID, req.ClientID)
	return s.sendReply("retry message", receipt, err)
}

func (s *MessagingService) DiscardMessage(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MessageRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("discard message", err)
	}
	if err := sess.DiscardMessage(req.ConversationID, req.ClientID); err != nil {
		return nil, toStatus("discard message", err)
	}
	return reply(Empty{})
}

func (s *MessagingService) MarkSeen(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConversationRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("mark seen", err)
	}
	if err := sess.MarkSeen(ctx, req.ConversationID); err != nil {
		return nil, toStatus("mark seen", err)
	}
	return reply(MarkSeenResponse{UnreadTotal: sess.Store().UnreadTotal()})
}

func (s *MessagingService) SetRoute(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RouteRequest
	if err := decode(in, &req); err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	sess, err := s.host.Current()
	if err != nil {
		return nil, toStatus("set route", err)
	}
	sess.SetRoute(req.Route)
	return reply(RouteResponse{Route: req.Route, InMessaging: sess.InMessagingSection()})
}

func (s *MessagingService) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	var req WatchRequest
	if err := decode(in, &req); err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "%v", err)
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := encode(Event{
				ID:               uuid.NewString(),
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          evt.Payload,
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *MessagingService) sendReply(op string, receipt outbox.Receipt, err error) (*structpb.Struct, error) {
	if err != nil && receipt.ClientID == "" {
		return nil, toStatus(op, err)
	}
	if err != nil {
		s.logger.Info("send failed", zap.String("client_msg_id", receipt.ClientID), zap.Error(err))
	}
	return reply(SendResponse{
		ClientID: receipt.ClientID,
		ServerID: receipt.ServerID,
		State:    string(receipt.State),
		Reason:   receipt.Reason,
	})
}

func reply(v any) (*structpb.Struct, error) {
	out, err := encode(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "%v", err)
	}
	return out, nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, messaging.ErrNoSession),
		errors.Is(err, outbox.ErrNotRetryable):
		code = codes.FailedPrecondition
	case errors.Is(err, convo.ErrConversationNotFound),
		errors.Is(err, convo.ErrMessageNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrInvalidRequest),
		errors.Is(err, jwt.ErrTokenMalformed):
		code = codes.InvalidArgument
	case errors.Is(err, auth.ErrNoCredential),
		errors.Is(err, auth.ErrExpired):
		code = codes.Unauthenticated
	case errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, outbox.ErrUploadFailed):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
