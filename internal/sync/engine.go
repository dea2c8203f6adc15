package sync

import (
	"context"

	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/convo"
	"github.com/matheus3301/gigchat/internal/notify"
	"github.com/matheus3301/gigchat/internal/protocol"
	"go.uber.org/zap"
)

// Refresher is the part of Reconciler the engine drives.
type Refresher interface {
	Refresh(ctx context.Context, currentConvoID string) error
}

// Alerter turns a popup into a user alert.
type Alerter interface {
	Evaluate(popup protocol.PopupMessage) (notify.Alert, bool)
}

// Engine reacts to server pushes. It subscribes to "push." events on the
// bus and processes them one at a time.
type Engine struct {
	refresh Refresher
	convos  *convo.Store
	gate    Alerter
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(refresh Refresher, convos *convo.Store, gate Alerter, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		refresh: refresh,
		convos:  convos,
		gate:    gate,
		bus:     b,
		logger:  logger.Named("engine"),
	}
}

// Start subscribes to server pushes on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("push.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindPopupMessage:
		popup, ok := evt.Payload.(protocol.PopupMessage)
		if !ok {
			return
		}
		e.HandlePopup(ctx, popup)
	case bus.KindUserStatus:
		change, ok := evt.Payload.(protocol.UserStatusChange)
		if !ok {
			return
		}
		if e.convos.ApplyPresence(change) {
			e.logger.Debug("presence applied", zap.String("user", change.User), zap.String("status", change.Status))
		}
	}
}

// HandlePopup refetches the list and then lets the gate decide whether to
// alert. The active conversation is only re-pointed when the popup belongs
// to it, so a message elsewhere never switches the user's view.
func (e *Engine) HandlePopup(ctx context.Context, popup protocol.PopupMessage) {
	scope := ""
	if popup.ID != "" && e.convos.ActiveID() == popup.ID {
		scope = popup.ID
	}
	if err := e.refresh.Refresh(ctx, scope); err != nil {
		e.logger.Error("refresh after popup failed", zap.Error(err), zap.String("conversation_id", popup.ID))
	}
	if e.gate == nil {
		return
	}
	if alert, ok := e.gate.Evaluate(popup); ok {
		e.logger.Info("alert raised", zap.String("conversation_id", alert.ConversationID), zap.String("title", alert.Title))
	}
}
