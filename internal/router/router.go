// Package router applies inbound room events through the state owners and fans the results out.
package router

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"codesync/internal/chatlog"
	"codesync/internal/health"
	"codesync/internal/presence"
	"codesync/internal/session"
	"codesync/internal/workspace"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Message returned to a join that failed for a reason other than validation
const joinFailedMessage = "Failed to join room"

// Router dispatches one event at a time for a connection
// ARCHITECTURAL DISCOVERY: The router owns no records; every mutation goes through the
// session registry, presence manager, workspace store or chat log
type Router struct {
	sessions  *session.Registry
	presence  *presence.Manager
	workspace *workspace.Store
	chat      *chatlog.Log
	delivery  interfaces.Delivery
	tracker   *health.Tracker
	limiter   *RateLimiter
	log       *logrus.Entry
}

// NewRouter creates a router; limiter may be nil to disable rate limiting
func NewRouter(
	sessions *session.Registry,
	presence *presence.Manager,
	workspace *workspace.Store,
	chat *chatlog.Log,
	delivery interfaces.Delivery,
	tracker *health.Tracker,
	limiter *RateLimiter,
) *Router {
	return &Router{
		sessions:  sessions,
		presence:  presence,
		workspace: workspace,
		chat:      chat,
		delivery:  delivery,
		tracker:   tracker,
		limiter:   limiter,
		log:       logrus.WithField("component", "router"),
	}
}

// Dispatch handles one inbound event from connectionID
// FUNCTIONAL DISCOVERY: The returned error is for logging and tests only; apart from
// join rejections nothing is ever reported back to the client
func (r *Router) Dispatch(ctx context.Context, connectionID string, event *types.Event) error {
	if event == nil || !types.IsValidEventKind(event.Kind) {
		return ErrUnknownEvent
	}

	if event.Kind == types.EventDisconnecting {
		return r.handleDisconnect(ctx, connectionID)
	}

	if r.limiter != nil && !r.limiter.Allow(connectionID) {
		r.log.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"event":         event.Kind,
		}).Warn("Rate limit exceeded; dropping event")
		return ErrRateLimitExceeded
	}

	if event.Kind == types.EventJoinRequest {
		return r.handleJoin(ctx, connectionID, event)
	}

	sess, ok := r.sessions.Lookup(connectionID)
	if !ok {
		return ErrNotJoined
	}

	var err error
	switch event.Kind {
	case types.EventSyncFileStructure:
		err = r.handleSyncFileStructure(ctx, sess, event)
	case types.EventDirectoryCreated:
		err = r.handleDirectoryCreated(ctx, sess, event)
	case types.EventFileCreated:
		err = r.handleFileCreated(ctx, sess, event)
	case types.EventDirectoryUpdated:
		err = r.handleDirectoryUpdated(ctx, sess, event)
	case types.EventDirectoryRenamed:
		err = r.handleDirectoryRenamed(ctx, sess, event)
	case types.EventDirectoryDeleted:
		err = r.handleDirectoryDeleted(ctx, sess, event)
	case types.EventFileUpdated:
		err = r.handleFileUpdated(ctx, sess, event)
	case types.EventFileRenamed:
		err = r.handleFileRenamed(ctx, sess, event)
	case types.EventFileDeleted:
		err = r.handleFileDeleted(ctx, sess, event)
	case types.EventUserOnline:
		err = r.handleStatus(ctx, sess, event, types.StatusOnline)
	case types.EventUserOffline:
		err = r.handleStatus(ctx, sess, event, types.StatusOffline)
	case types.EventTypingStart:
		err = r.handleTyping(ctx, sess, event, true)
	case types.EventTypingPause:
		err = r.handleTyping(ctx, sess, event, false)
	case types.EventCurrentFileChanged:
		err = r.handleCurrentFile(ctx, sess, event)
	case types.EventSendMessage:
		err = r.handleSendMessage(ctx, sess, event)
	case types.EventRequestDrawing:
		err = r.broadcast(sess.RoomID, sess.ConnectionID, types.EventRequestDrawing,
			types.DrawingRequest{SocketID: sess.ConnectionID})
	case types.EventSyncDrawing:
		err = r.handleSyncDrawing(ctx, sess, event)
	case types.EventDrawingUpdate:
		err = r.handleDrawingUpdate(ctx, sess, event)
	default:
		err = ErrUnknownEvent
	}

	if err != nil && !isSilent(err) {
		r.log.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"room_id":       sess.RoomID,
			"event":         event.Kind,
		}).WithError(err).Debug("Event dropped")
	}
	return err
}

func (r *Router) handleJoin(ctx context.Context, connectionID string, event *types.Event) error {
	var req types.JoinRequest
	if err := event.Decode(&req); err != nil {
		r.reply(connectionID, types.EventError, types.ErrorNotice{Message: err.Error()})
		return err
	}

	accepted, err := r.sessions.Join(ctx, req.RoomID, req.Username, connectionID)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrUsernameConflict):
		r.reply(connectionID, types.EventUsernameExists, struct{}{})
		return err
	case errors.Is(err, session.ErrAlreadyJoined),
		errors.Is(err, types.ErrInvalidRoomID),
		errors.Is(err, types.ErrInvalidUsername):
		r.reply(connectionID, types.EventError, types.ErrorNotice{Message: err.Error()})
		return err
	default:
		r.log.WithField("connection_id", connectionID).WithError(err).Error("Join failed")
		r.reply(connectionID, types.EventError, types.ErrorNotice{Message: joinFailedMessage})
		return err
	}

	r.reply(connectionID, types.EventJoinAccepted, types.JoinAccepted{
		User:  accepted.User,
		Users: accepted.Roster,
	})
	return r.broadcast(accepted.Session.RoomID, connectionID, types.EventUserJoined,
		types.UserNotice{User: accepted.User})
}

// handleDisconnect is never rate limited; it always runs so membership cannot leak
func (r *Router) handleDisconnect(ctx context.Context, connectionID string) error {
	if r.limiter != nil {
		r.limiter.Forget(connectionID)
	}
	left, err := r.sessions.Leave(ctx, connectionID)
	if err != nil {
		return err
	}
	if left.Remaining == 0 {
		r.workspace.Release(left.RoomID)
		return nil
	}
	return r.broadcast(left.RoomID, connectionID, types.EventUserDisconnected,
		types.UserNotice{User: left.User})
}

// handleSyncFileStructure stores the client's whole view and answers the requester
// FUNCTIONAL DISCOVERY: The reply goes to the socketId named in the payload, which must
// share the sender's room; peers are not notified
func (r *Router) handleSyncFileStructure(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.SyncFileStructure
	if err := event.Decode(&payload); err != nil {
		return err
	}
	target, err := r.sameRoomTarget(sess, payload.SocketID)
	if err != nil {
		return err
	}

	if _, err := r.workspace.ReplaceFileTree(ctx, sess.RoomID, payload.FileStructure); err != nil {
		return err
	}
	if _, err := r.workspace.SetActiveFiles(ctx, sess.RoomID, payload.OpenFiles, payload.ActiveFile); err != nil {
		return err
	}

	files := payload.FileStructure
	if files == nil {
		files = []types.File{}
	}
	open := payload.OpenFiles
	if open == nil {
		open = []string{}
	}
	r.reply(target, types.EventSyncFileStructure, types.SyncFileStructure{
		FileStructure: files,
		OpenFiles:     open,
		ActiveFile:    payload.ActiveFile,
	})
	return nil
}

func (r *Router) handleDirectoryCreated(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.DirectoryCreated
	if err := event.Decode(&payload); err != nil {
		return err
	}
	dir := withParent(payload.NewDirectory, payload.ParentDirID)
	if _, err := r.workspace.AddFile(ctx, sess.RoomID, dir); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleFileCreated(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.FileCreated
	if err := event.Decode(&payload); err != nil {
		return err
	}
	file := withParent(payload.NewFile, payload.ParentDirID)
	if _, err := r.workspace.AddFile(ctx, sess.RoomID, file); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleDirectoryUpdated(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.DirectoryUpdated
	if err := event.Decode(&payload); err != nil {
		return err
	}
	children := payload.Children
	if children == nil {
		children = []string{}
	}
	if err := r.patch(ctx, sess, payload.DirID, workspace.FilePatch{Children: &children}); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleDirectoryRenamed(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.DirectoryRenamed
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if err := r.rename(ctx, sess, payload.DirID, payload.NewName); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleDirectoryDeleted(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.DirectoryDeleted
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if err := r.remove(ctx, sess, payload.DirID); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleFileUpdated(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.FileUpdated
	if err := event.Decode(&payload); err != nil {
		return err
	}
	content := payload.NewContent
	if err := r.patch(ctx, sess, payload.FileID, workspace.FilePatch{Content: &content}); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleFileRenamed(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.FileRenamed
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if err := r.rename(ctx, sess, payload.FileID, payload.NewName); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) handleFileDeleted(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.FileDeleted
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if err := r.remove(ctx, sess, payload.FileID); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

// handleStatus toggles the status of the named connection and relays the toggle
func (r *Router) handleStatus(ctx context.Context, sess types.Session, event *types.Event, status string) error {
	var payload types.UserStatusChange
	if err := event.Decode(&payload); err != nil {
		return err
	}
	target, err := r.sameRoomTarget(sess, payload.SocketID)
	if err != nil {
		return err
	}
	if _, err := r.presence.SetStatus(ctx, target, status); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, types.UserStatusChange{SocketID: target})
}

func (r *Router) handleTyping(ctx context.Context, sess types.Session, event *types.Event, typing bool) error {
	var payload types.TypingStart
	if err := event.Decode(&payload); err != nil {
		return err
	}
	cursor := payload.CursorPosition
	if !typing {
		cursor = nil
	}
	user, err := r.presence.SetTyping(ctx, sess.ConnectionID, typing, cursor)
	if err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, types.UserNotice{User: user})
}

func (r *Router) handleCurrentFile(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.CurrentFileChanged
	if err := event.Decode(&payload); err != nil {
		return err
	}
	user, err := r.presence.SetCurrentFile(ctx, sess.ConnectionID, payload.FileID)
	if err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, types.UserNotice{User: user})
}

// handleSendMessage persists under the session's username, not the one the client claims
func (r *Router) handleSendMessage(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.SendMessage
	if err := event.Decode(&payload); err != nil {
		return err
	}
	message, err := r.chat.AppendMessage(ctx, sess.RoomID, sess.Username, payload.Message.Content)
	if err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, types.EventReceiveMessage,
		map[string]interface{}{"message": message})
}

// handleSyncDrawing pushes a snapshot to a single peer
func (r *Router) handleSyncDrawing(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.SyncDrawing
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if strings.TrimSpace(payload.SocketID) == "" {
		return types.ErrMissingTarget
	}
	target, err := r.sameRoomTarget(sess, payload.SocketID)
	if err != nil {
		return err
	}
	if _, err := r.chat.AppendDrawing(ctx, sess.RoomID, payload.DrawingData); err != nil {
		return err
	}
	r.reply(target, types.EventSyncDrawing, map[string]interface{}{"drawingData": payload.DrawingData})
	return nil
}

func (r *Router) handleDrawingUpdate(ctx context.Context, sess types.Session, event *types.Event) error {
	var payload types.DrawingUpdate
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if _, err := r.chat.AppendDrawing(ctx, sess.RoomID, payload.Snapshot); err != nil {
		return err
	}
	return r.broadcast(sess.RoomID, sess.ConnectionID, event.Kind, payload)
}

func (r *Router) patch(ctx context.Context, sess types.Session, fileID string, patch workspace.FilePatch) error {
	if fileID == "" {
		return types.ErrMissingFileID
	}
	_, err := r.workspace.UpdateFile(ctx, sess.RoomID, fileID, patch)
	return err
}

func (r *Router) rename(ctx context.Context, sess types.Session, fileID, name string) error {
	if strings.TrimSpace(name) == "" {
		return types.ErrInvalidFile
	}
	return r.patch(ctx, sess, fileID, workspace.FilePatch{Name: &name})
}

func (r *Router) remove(ctx context.Context, sess types.Session, fileID string) error {
	if fileID == "" {
		return types.ErrMissingFileID
	}
	_, err := r.workspace.RemoveFile(ctx, sess.RoomID, fileID)
	return err
}

// sameRoomTarget resolves a payload socketId; empty means the sender itself
func (r *Router) sameRoomTarget(sess types.Session, socketID string) (string, error) {
	if socketID == "" || socketID == sess.ConnectionID {
		return sess.ConnectionID, nil
	}
	target, ok := r.sessions.Lookup(socketID)
	if !ok || target.RoomID != sess.RoomID {
		return "", ErrTargetNotInRoom
	}
	return socketID, nil
}

// broadcast sends to every member of roomID except origin
// TECHNICAL DISCOVERY: A failed send to one member is logged and never stops the fan-out
func (r *Router) broadcast(roomID, origin, kind string, payload interface{}) error {
	event, err := types.NewEvent(kind, payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", kind)
	}
	for _, id := range r.sessions.Members(roomID) {
		if id == origin {
			continue
		}
		if err := r.delivery.Send(id, event); err != nil {
			r.log.WithFields(logrus.Fields{
				"connection_id": id,
				"event":         kind,
			}).WithError(err).Debug("Delivery failed")
		}
	}
	return nil
}

func (r *Router) reply(connectionID, kind string, payload interface{}) {
	event, err := types.NewEvent(kind, payload)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode reply")
		return
	}
	if err := r.delivery.Send(connectionID, event); err != nil {
		r.log.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"event":         kind,
		}).WithError(err).Debug("Delivery failed")
	}
}

func withParent(file types.File, parentDirID string) types.File {
	if file.ParentID == nil && parentDirID != "" {
		file.ParentID = types.StringPtr(parentDirID)
	}
	return file
}

// isSilent reports outcomes that are expected drops rather than faults
func isSilent(err error) bool {
	return errors.Is(err, ErrNotJoined) ||
		errors.Is(err, workspace.ErrRoomNotFound) ||
		errors.Is(err, workspace.ErrFileNotFound) ||
		errors.Is(err, workspace.ErrFileExists) ||
		errors.Is(err, presence.ErrUserNotFound)
}
