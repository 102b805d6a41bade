package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatCore/pkg/api"
)

// UserHeader carries the session user to the chat backend.
const UserHeader = "X-User-Id"

// Storage is the REST implementation of api.ChatRepository.
type Storage struct {
	client *resty.Client
	log    *zap.Logger
}

func NewStorage(baseURL string, userId api.ID, timeout time.Duration, log *zap.Logger) *Storage {
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader(UserHeader, userId.String())

	return &Storage{client: client, log: log}
}

func (s *Storage) GetConversations(ctx context.Context) ([]api.Conversation, error) {
	const path = "/chat/conversations"
	var raw []json.RawMessage
	if err := s.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return decodeEach[api.Conversation](s.log, path, raw), nil
}

func (s *Storage) GetStaff(ctx context.Context) ([]api.StaffModel, error) {
	const path = "/chat/staff"
	var raw []json.RawMessage
	if err := s.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return decodeEach[api.StaffModel](s.log, path, raw), nil
}

func (s *Storage) CreateConversation(ctx context.Context, newConversation api.NewConversation) (api.Conversation, error) {
	var conversation api.Conversation
	err := s.do(ctx, http.MethodPost, "/chat/conversations", newConversation, &conversation)
	return conversation, err
}

func (s *Storage) GetMessages(ctx context.Context, conversationId api.ID) ([]api.Message, error) {
	path := "/chat/conversations/" + pathId(conversationId) + "/messages"
	var raw []json.RawMessage
	if err := s.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return decodeEach[api.Message](s.log, path, raw), nil
}

func (s *Storage) SendMessage(ctx context.Context, newMessage api.NewMessage) (api.Message, error) {
	var message api.Message
	err := s.do(ctx, http.MethodPost, "/chat/messages", newMessage, &message)
	return message, err
}

func (s *Storage) EditMessage(ctx context.Context, messageId api.ID, content string) (api.Message, error) {
	var message api.Message
	err := s.do(ctx, http.MethodPut, "/chat/messages/"+pathId(messageId), api.EditMessage{Content: content}, &message)
	return message, err
}

func (s *Storage) DeleteMessage(ctx context.Context, messageId api.ID) error {
	return s.do(ctx, http.MethodDelete, "/chat/messages/"+pathId(messageId), nil, nil)
}

// MarkRead resets the user's unread counter with a JSON Patch document.
func (s *Storage) MarkRead(ctx context.Context, conversationId api.ID) error {
	patch := []api.PatchOperation{{Op: "replace", Path: "/unreadCount", Value: 0}}
	return s.do(ctx, http.MethodPatch, "/chat/user/conversation/"+pathId(conversationId), patch, nil)
}

func (s *Storage) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := s.client.R().SetContext(ctx)
	if body != nil {
		contentType := "application/json"
		if _, ok := body.([]api.PatchOperation); ok {
			contentType = "application/json-patch+json"
		}
		req.SetHeader("Content-Type", contentType).SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		s.log.Debug("chat request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return transportError(ctx, method, path, err)
	}
	if resp.IsError() {
		return responseError(method, path, resp.StatusCode(), resp.Body())
	}
	if out == nil || len(bytes.TrimSpace(resp.Body())) == 0 {
		return nil
	}

	if err := json.Unmarshal(unwrap(resp.Body()), out); err != nil {
		return status.Errorf(codes.Internal, "%s %s: decoding response: %v", method, path, err)
	}
	return nil
}

// decodeEach decodes list elements one at a time. An element that does not
// decode is logged and skipped; the rest of the list is kept.
func decodeEach[T any](log *zap.Logger, path string, raw []json.RawMessage) []T {
	out := make([]T, 0, len(raw))
	for i, element := range raw {
		var v T
		if err := json.Unmarshal(element, &v); err != nil {
			log.Warn("skipping malformed element",
				zap.String("path", path),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

// unwrap strips the {"data": ...} envelope when the body carries one.
func unwrap(body []byte) []byte {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		return envelope.Data
	}
	return body
}

func transportError(ctx context.Context, method, path string, err error) error {
	code := codes.Unavailable
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Errorf(code, "%s %s: %v", method, path, err)
}

func responseError(method, path string, statusCode int, body []byte) error {
	message := http.StatusText(statusCode)
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Message != "":
			message = payload.Message
		case payload.Error != "":
			message = payload.Error
		}
	}
	return status.Error(CodeFromHTTP(statusCode), fmt.Sprintf("%s %s: %s", method, path, message))
}

// CodeFromHTTP maps an HTTP status of the chat backend onto a gRPC code.
func CodeFromHTTP(statusCode int) codes.Code {
	switch {
	case statusCode == http.StatusNotFound:
		return codes.NotFound
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return codes.InvalidArgument
	case statusCode == http.StatusUnauthorized:
		return codes.Unauthenticated
	case statusCode == http.StatusForbidden:
		return codes.PermissionDenied
	case statusCode == http.StatusConflict:
		return codes.Aborted
	case statusCode == http.StatusTooManyRequests:
		return codes.ResourceExhausted
	case statusCode >= 500:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

func pathId(id api.ID) string {
	return url.PathEscape(api.ToIdString(id))
}
