package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/whisper/dm-chat/internal/chat"
	"github.com/whisper/dm-chat/internal/delivery"
	"github.com/whisper/dm-chat/internal/presence"
	"github.com/whisper/dm-chat/internal/ratelimit"
	"github.com/whisper/dm-chat/internal/store"
)

// Authenticator checks the request credential; auth.Gate satisfies it.
type Authenticator interface {
	Authenticate(r *http.Request) (*chat.User, error)
}

// Store is the slice of the persistence collaborator the API reads and
// writes.
type Store interface {
	GetUser(ctx context.Context, userID string) (*chat.User, error)
	ListContacts(ctx context.Context, excludeUserID string) ([]chat.User, error)
	CreateMessage(ctx context.Context, msg *chat.Message) error
	Conversation(ctx context.Context, a, b string) ([]chat.Message, error)
	ChatPartners(ctx context.Context, userID string) ([]chat.ChatPartner, error)
}

// MessageRouter saves a message and pushes it to the receiver's live
// sessions; delivery.Router satisfies it. Persist failures are wrapped in
// delivery.ErrPersist.
type MessageRouter interface {
	Submit(ctx context.Context, msg *chat.Message, persist delivery.PersistFunc) (int, error)
}

// Receipts marks a conversation seen and notifies the sender.
type Receipts interface {
	MarkSeen(ctx context.Context, viewerID, peerID string) (int64, error)
}

// PresenceReader reports a user's presence.
type PresenceReader interface {
	Status(ctx context.Context, userID string) (presence.Status, error)
}

// Limiter throttles message sends per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ImageUploader stores an image payload and returns its public URL.
type ImageUploader interface {
	Upload(ctx context.Context, image string) (string, error)
}

// Handler serves the message, auth and presence routes.
type Handler struct {
	store    Store
	router   MessageRouter
	receipts Receipts
	presence PresenceReader
	limiter  Limiter
	uploader ImageUploader
	logger   *zap.Logger
}

// NewHandler creates a Handler from deps.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    deps.Store,
		router:   deps.Router,
		receipts: deps.Receipts,
		presence: deps.Presence,
		limiter:  deps.Limiter,
		uploader: deps.Uploader,
		logger:   logger.Named("api"),
	}
}

// sendRequest is the body of POST /api/messages/send/:id.
type sendRequest struct {
	Text    string        `json:"text"`
	Image   string        `json:"image"`
	ReplyTo *chat.ReplyTo `json:"replyTo"`
}

// CheckAuth returns the authenticated user.
func (h *Handler) CheckAuth(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

// GetContacts lists every user except the caller.
func (h *Handler) GetContacts(c *gin.Context) {
	me := currentUser(c)
	contacts, err := h.store.ListContacts(c.Request.Context(), me.ID)
	if err != nil {
		h.serverError(c, "list contacts", err)
		return
	}
	if contacts == nil {
		contacts = []chat.User{}
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// GetChatPartners lists the users the caller has talked to, most recent
// conversation first.
func (h *Handler) GetChatPartners(c *gin.Context) {
	me := currentUser(c)
	chats, err := h.store.ChatPartners(c.Request.Context(), me.ID)
	if err != nil {
		h.serverError(c, "chat partners", err)
		return
	}
	if chats == nil {
		chats = []chat.ChatPartner{}
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// GetMessages returns the full conversation with :id, oldest first.
func (h *Handler) GetMessages(c *gin.Context) {
	me := currentUser(c)
	peerID := c.Param("id")

	msgs, err := h.store.Conversation(c.Request.Context(), me.ID, peerID)
	if err != nil {
		h.serverError(c, "conversation", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// SendMessage validates, persists and routes a message to :id. Routing is
// best effort and never fails the request once the message is saved.
func (h *Handler) SendMessage(c *gin.Context) {
	me := currentUser(c)
	receiverID := c.Param("id")

	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	text := chat.NormalizeText(req.Text)
	image := strings.TrimSpace(req.Image)
	if err := chat.ValidateMessage(me.ID, receiverID, text, image, req.ReplyTo); err != nil {
		abort(c, http.StatusBadRequest, validationMessage(err))
		return
	}

	ctx := c.Request.Context()
	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(ctx, me.ID, ratelimit.RuleSend); !ok {
			abort(c, http.StatusTooManyRequests, "Rate limit exceeded. please try again later")
			return
		}
	}

	if _, err := h.store.GetUser(ctx, receiverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abort(c, http.StatusNotFound, "Receiver not found")
			return
		}
		h.serverError(c, "lookup receiver", err)
		return
	}

	if image != "" {
		url, err := h.imageURL(ctx, image)
		if err != nil {
			if errors.Is(err, errUnsupportedImage) {
				abort(c, http.StatusBadRequest, "Image must be an http(s) URL")
				return
			}
			h.serverError(c, "upload image", err)
			return
		}
		image = url
	}

	msg := &chat.Message{
		SenderID:   me.ID,
		ReceiverID: receiverID,
		Text:       text,
		Image:      image,
	}
	if req.ReplyTo != nil {
		msg.ReplyTo = &chat.ReplyTo{
			MessageID: strings.TrimSpace(req.ReplyTo.MessageID),
			Text:      req.ReplyTo.Text,
			SenderID:  req.ReplyTo.SenderID,
		}
	}

	if _, err := h.router.Submit(ctx, msg, h.store.CreateMessage); err != nil {
		switch {
		case errors.Is(err, store.ErrInvalidReference):
			abort(c, http.StatusBadRequest, "Invalid reply message id")
			return
		case errors.Is(err, delivery.ErrPersist):
			h.serverError(c, "create message", err)
			return
		default:
			h.logger.Warn("route message",
				zap.String("message_id", msg.ID),
				zap.String("receiver_id", receiverID),
				zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":    "Message sent successfully",
		"newMessage": msg,
	})
}

// MarkSeen marks every unseen message from :id to the caller as seen.
func (h *Handler) MarkSeen(c *gin.Context) {
	me := currentUser(c)
	peerID := c.Param("id")
	if peerID == me.ID {
		abort(c, http.StatusBadRequest, "Cannot mark your own messages as seen")
		return
	}

	n, err := h.receipts.MarkSeen(c.Request.Context(), me.ID, peerID)
	if err != nil {
		h.serverError(c, "mark seen", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// GetPresence reports whether :id is online and when they were last seen.
func (h *Handler) GetPresence(c *gin.Context) {
	userID := c.Param("id")

	st, err := h.presence.Status(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			abort(c, http.StatusNotFound, "User not found")
			return
		}
		h.serverError(c, "presence status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) serverError(c *gin.Context, op string, err error) {
	h.logger.Error(op, zap.String("path", c.FullPath()), zap.Error(err))
	abort(c, http.StatusInternalServerError, "Server error")
}

var errUnsupportedImage = errors.New("api: image must be an http(s) url")

// imageURL turns the image payload into the URL stored on the message.
// Without an uploader only http(s) URLs are accepted.
func (h *Handler) imageURL(ctx context.Context, image string) (string, error) {
	if h.uploader != nil {
		return h.uploader.Upload(ctx, image)
	}
	lower := strings.ToLower(image)
	if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") {
		return image, nil
	}
	return "", errUnsupportedImage
}

// validationMessage returns the client text for a chat validation error.
func validationMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return "Message text or image is required"
	case errors.Is(err, chat.ErrSelfMessage):
		return "Cannot send message to yourself"
	default:
		return err.Error()
	}
}
