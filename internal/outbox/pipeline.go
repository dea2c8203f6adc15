// Package outbox sends user messages: optimistic insert into the store,
// concurrent attachment uploads, the SEND_MESSAGE command, promotion or
// failure, and a SQLite ledger of every attempt.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/matheus3301/gigchat/internal/backend"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/protocol"
	"github.com/matheus3301/gigchat/internal/store"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidRequest = errors.New("invalid send request")
	ErrNotRetryable   = errors.New("message is not in a failed state")
	ErrUploadFailed   = backend.ErrUploadFailed
)

// Emitter sends a command and waits for its acknowledgement.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) (json.RawMessage, error)
}

// Uploader commits one local file and returns the server asset.
type Uploader interface {
	Upload(ctx context.Context, path string, progress func(pct int)) (protocol.Attachment, error)
}

// Refresher refetches the conversation list.
type Refresher interface {
	Refresh(ctx context.Context, currentConvoID string) error
}

// Request is one message to send. Attachments are local file paths.
type Request struct {
	ConversationID string   `validate:"required"`
	SenderID       string   `validate:"required"`
	RecipientID    string
	Type           string   `validate:"omitempty,oneof=TEXT MEDIA"`
	Text           string
	Attachments    []string `validate:"omitempty,dive,required"`
}

// Receipt reports how a send ended.
type Receipt struct {
	ClientID string
	ServerID string
	State    convo.SendState
	Reason   string
	Ack      json.RawMessage
}

// Notice is the payload of notice.send_failed and message.send_failed.
type Notice struct {
	ConversationID string
	ClientID       string
	Reason         string
}

// Pipeline runs sends. It is safe for concurrent use; each send is
// independent.
type Pipeline struct {
	convos        *convo.Store
	emit          Emitter
	upload        Uploader
	refresh       Refresher
	db            *store.DB
	bus           *bus.Bus
	logger        *zap.Logger
	validate      *validator.Validate
	uploadTimeout time.Duration
}

// Options configures a Pipeline. DB and Refresher may be nil.
type Options struct {
	Store         *convo.Store
	Emitter       Emitter
	Uploader      Uploader
	Refresher     Refresher
	DB            *store.DB
	Bus           *bus.Bus
	Logger        *zap.Logger
	UploadTimeout time.Duration
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.UploadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Pipeline{
		convos:        opts.Store,
		emit:          opts.Emitter,
		upload:        opts.Uploader,
		refresh:       opts.Refresher,
		db:            opts.DB,
		bus:           opts.Bus,
		logger:        logger.Named("outbox"),
		validate:      validator.New(),
		uploadTimeout: timeout,
	}
}

// Send inserts a provisional message, uploads its attachments and emits it.
// The provisional message is in the store before any network I/O starts.
// A failed send returns a receipt in the failed state along with the error.
func (p *Pipeline) Send(ctx context.Context, req Request) (Receipt, error) {
	if err := p.validate.Struct(req); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return Receipt{}, fmt.Errorf("%w: text or an attachment is required", ErrInvalidRequest)
	}
	if req.Type == "" {
		req.Type = protocol.MessageText
		if len(req.Attachments) > 0 {
			req.Type = protocol.MessageMedia
		}
	}

	clientID := uuid.NewString()
	provisional := convo.Message{
		ClientID:  clientID,
		AuthorID:  req.SenderID,
		Content:   req.Text,
		State:     convo.StatePending,
		CreatedAt: time.Now(),
		Attachments: lo.Map(req.Attachments, func(path string, _ int) convo.Attachment {
			return localAttachment(path)
		}),
	}
	if err := p.convos.AppendProvisional(req.ConversationID, provisional); err != nil {
		return Receipt{}, err
	}

	if p.db != nil {
		if err := p.db.QueueOutbox(&store.OutboxEntry{
			ClientMsgID:    clientID,
			ConversationID: req.ConversationID,
			SenderID:       req.SenderID,
			RecipientID:    req.RecipientID,
			MessageType:    req.Type,
			Body:           req.Text,
			Attachments:    req.Attachments,
		}); err != nil {
			p.logger.Error("failed to queue outbox", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	p.bus.Emit(bus.KindMessagePending, Notice{ConversationID: req.ConversationID, ClientID: clientID})

	return p.deliver(ctx, clientID, req)
}

// Retry resends a failed message. Attachments committed by an earlier
// attempt are not uploaded again.
func (p *Pipeline) Retry(ctx context.Context, convID, clientID string) (Receipt, error) {
	msg, ok := p.convos.Provisional(convID, clientID)
	if !ok {
		return Receipt{}, fmt.Errorf("%s: %w", clientID, convo.ErrMessageNotFound)
	}
	if msg.State != convo.StateFailed || !p.convos.MarkPending(convID, clientID) {
		return Receipt{}, fmt.Errorf("%s: %w", clientID, ErrNotRetryable)
	}

	req := Request{
		ConversationID: convID,
		SenderID:       msg.AuthorID,
		Type:           protocol.MessageText,
		Text:           msg.Content,
	}
	if len(msg.Attachments) > 0 {
		req.Type = protocol.MessageMedia
	}
	if c, ok := p.convos.Get(convID); ok && c.Sender != nil {
		req.RecipientID = c.Sender.ID
	}
	if p.db != nil {
		if entry, err := p.db.GetOutbox(clientID); err == nil {
			req.RecipientID = entry.RecipientID
			req.Type = entry.MessageType
		}
		if err := p.db.RetryOutbox(clientID); err != nil {
			p.logger.Warn("failed to mark outbox retry", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	p.logger.Info("retrying message", zap.String("client_msg_id", clientID))
	return p.deliver(ctx, clientID, req)
}

// Discard drops a failed message from the store and the ledger.
func (p *Pipeline) Discard(convID, clientID string) error {
	msg, ok := p.convos.Provisional(convID, clientID)
	if !ok {
		return fmt.Errorf("%s: %w", clientID, convo.ErrMessageNotFound)
	}
	if msg.State != convo.StateFailed {
		return fmt.Errorf("%s: %w", clientID, ErrNotRetryable)
	}
	p.convos.Discard(convID, clientID)
	if p.db != nil {
		if err := p.db.DeleteOutbox(clientID); err != nil && !errors.Is(err, store.ErrOutboxNotFound) {
			p.logger.Warn("failed to delete outbox entry", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, clientID string, req Request) (Receipt, error) {
	assetIDs, err := p.uploadAll(ctx, req.ConversationID, clientID)
	if err != nil {
		return p.fail(req.ConversationID, clientID, err)
	}

	ack, err := p.emit.Emit(ctx, protocol.EventSendMessage, protocol.SendMessageRequest{
		SenderID:       req.SenderID,
		RecipientID:    req.RecipientID,
		Type:           req.Type,
		Message:        req.Text,
		ConversationID: req.ConversationID,
		Attachments:    assetIDs,
		ClientID:       clientID,
	})
	if err != nil {
		return p.fail(req.ConversationID, clientID, fmt.Errorf("send: %w", err))
	}

	var echoed protocol.Message
	if len(ack) > 0 {
		if err := json.Unmarshal(ack, &echoed); err != nil {
			p.logger.Debug("send ack is not a message, keeping client id",
				zap.String("client_msg_id", clientID), zap.ByteString("ack", ack), zap.Error(err))
		}
	}
	p.convos.Promote(req.ConversationID, clientID, echoed.ID)
	if p.db != nil {
		if err := p.db.MarkOutboxSent(clientID, echoed.ID, assetIDs); err != nil {
			p.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", clientID))
		}
	}
	p.logger.Info("message sent", zap.String("client_msg_id", clientID), zap.String("server_msg_id", echoed.ID))
	p.bus.Emit(bus.KindMessageAck, Notice{ConversationID: req.ConversationID, ClientID: clientID})

	if p.refresh != nil {
		if err := p.refresh.Refresh(ctx, req.ConversationID); err != nil {
			p.logger.Warn("refresh after send failed", zap.Error(err))
		}
	}
	return Receipt{ClientID: clientID, ServerID: echoed.ID, State: convo.StateSent, Ack: ack}, nil
}

// uploadAll commits every attachment that has no asset id yet. The first
// failure cancels the rest.
func (p *Pipeline) uploadAll(ctx context.Context, convID, clientID string) ([]string, error) {
	msg, ok := p.convos.Provisional(convID, clientID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", clientID, convo.ErrMessageNotFound)
	}
	ids := make([]string, len(msg.Attachments))
	if len(msg.Attachments) == 0 {
		return ids, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.uploadTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range msg.Attachments {
		if a.ID != "" {
			ids[i] = a.ID
			continue
		}
		g.Go(func() error {
			asset, err := p.upload.Upload(gctx, a.LocalHandle, func(pct int) {
				p.convos.SetAttachmentProgress(convID, clientID, a.LocalHandle, pct)
			})
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrUploadFailed, a.Name, err)
			}
			p.convos.CommitAttachment(convID, clientID, a.LocalHandle, asset)
			ids[i] = asset.ID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *Pipeline) fail(convID, clientID string, err error) (Receipt, error) {
	reason := err.Error()
	p.convos.MarkFailed(convID, clientID, reason)
	if p.db != nil {
		if dbErr := p.db.MarkOutboxFailed(clientID, reason); dbErr != nil {
			p.logger.Error("failed to mark outbox failed", zap.Error(dbErr), zap.String("client_msg_id", clientID))
		}
	}
	p.logger.Error("failed to send message", zap.Error(err), zap.String("client_msg_id", clientID))
	notice := Notice{ConversationID: convID, ClientID: clientID, Reason: reason}
	p.bus.Emit(bus.KindMessageFailed, notice)
	p.bus.Emit(bus.KindNoticeSendFailed, notice)
	return Receipt{ClientID: clientID, State: convo.StateFailed, Reason: reason}, err
}

func localAttachment(path string) convo.Attachment {
	a := convo.Attachment{LocalHandle: path, Name: filepath.Base(path)}
	if info, err := os.Stat(path); err == nil {
		a.Size = info.Size()
	}
	return a
}
