package chat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/kinshipapp/kinchat/internal/state"
	"github.com/kinshipapp/kinchat/internal/wire"
	"go.uber.org/zap"
)

// maxBodyLen is the server-enforced message body limit, checked locally
// before any network emission.
const maxBodyLen = 200

// allowedImageExts is the attachment allow-list.
var allowedImageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".svg":  true,
}

// Outbound is the send pipeline. Sends are confirm-then-display: the
// message enters the store only once the server acknowledges it with
// its authoritative id and timestamps, so there is never a temporary
// local-only message to reconcile.
type Outbound struct {
	conn   *Conn
	store  *state.Store
	logger *zap.Logger
}

// NewOutbound creates the outbound message flow.
func NewOutbound(conn *Conn, store *state.Store, logger *zap.Logger) *Outbound {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outbound{conn: conn, store: store, logger: logger}
}

// Send posts a message, optionally with a single image attachment given
// as a file path. Validation failures surface before any network call.
func (o *Outbound) Send(ctx context.Context, channelID int64, body string, attachmentPath string) error {
	if !o.conn.Connected() {
		return ErrNotConnected
	}

	body = strings.TrimSpace(body)

	var att *wire.Attachment
	if attachmentPath != "" {
		var err error
		att, err = encodeAttachment(attachmentPath)
		if err != nil {
			return err
		}
	}

	if body == "" && att == nil {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > maxBodyLen {
		return ErrBodyTooLong
	}

	o.store.SetSending(true)
	defer o.store.SetSending(false)

	data, err := o.conn.Request(ctx, wire.EventMessageSend, wire.SendRequest{
		ChannelID:  channelID,
		Body:       body,
		Attachment: att,
	})
	if err != nil {
		o.store.SetError(err.Error())
		return err
	}

	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		err = fmt.Errorf("malformed send acknowledgment: %w", err)
		o.store.SetError(err.Error())
		return err
	}

	o.store.AddMessage(m)
	o.store.ApplyPreview(m)
	o.logger.Info("message sent",
		zap.Int64("channel_id", channelID),
		zap.Int64("message_id", m.ID.Int()))
	return nil
}

// Update edits an existing message body.
func (o *Outbound) Update(ctx context.Context, channelID, messageID int64, body string) error {
	if !o.conn.Connected() {
		return ErrNotConnected
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > maxBodyLen {
		return ErrBodyTooLong
	}

	data, err := o.conn.Request(ctx, wire.EventMessageUpdate, wire.UpdateRequest{
		ChannelID: channelID,
		MessageID: messageID,
		Body:      body,
	})
	if err != nil {
		o.store.SetError(err.Error())
		return err
	}

	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		err = fmt.Errorf("malformed update acknowledgment: %w", err)
		o.store.SetError(err.Error())
		return err
	}
	o.store.UpdateMessage(m)
	return nil
}

// Delete removes a single message.
func (o *Outbound) Delete(ctx context.Context, channelID, messageID int64) error {
	if !o.conn.Connected() {
		return ErrNotConnected
	}
	if _, err := o.conn.Request(ctx, wire.EventMessageDelete, wire.DeleteRequest{
		ChannelID: channelID,
		MessageID: messageID,
	}); err != nil {
		o.store.SetError(err.Error())
		return err
	}
	o.store.RemoveMessage(messageID)
	return nil
}

// ClearChat deletes the given messages, or the whole channel history
// when no ids are passed. The channel list is refreshed afterwards
// because previews may have changed.
func (o *Outbound) ClearChat(ctx context.Context, channelID int64, messageIDs ...int64) error {
	if !o.conn.Connected() {
		return ErrNotConnected
	}
	if _, err := o.conn.Request(ctx, wire.EventChatClear, wire.ClearRequest{
		ChannelID:  channelID,
		MessageIDs: messageIDs,
	}); err != nil {
		o.store.SetError(err.Error())
		return err
	}

	if len(messageIDs) > 0 {
		o.store.RemoveMessages(messageIDs)
	} else if o.store.CurrentID() == channelID {
		o.store.ClearMessages()
	}

	if err := o.conn.RefreshChannels(ctx); err != nil {
		o.logger.Warn("channel list refresh after clear failed", zap.Error(err))
	}
	return nil
}

func encodeAttachment(path string) (*wire.Attachment, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !allowedImageExts[ext] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFileType, ext)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &wire.Attachment{
		Data:     base64.StdEncoding.EncodeToString(raw),
		Name:     filepath.Base(path),
		MimeType: mimeType,
	}, nil
}
