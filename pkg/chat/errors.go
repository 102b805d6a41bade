package chat

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotMounted      = errors.New("conversation is not open")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageDeleted  = errors.New("message has been deleted")
	ErrNotOwnMessage   = errors.New("message belongs to another user")
	ErrSessionClosed   = errors.New("chat session closed")
	ErrRateLimited     = errors.New("refresh rate limited")
	ErrEmptyMessage    = errors.New("message has no content")
	ErrUnknownStaff    = errors.New("unknown staff member")
)

// Describe turns an error into the short text shown in a notice.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMessageDeleted):
		return "Tin nhắn đã bị xóa"
	case errors.Is(err, ErrNotOwnMessage):
		return "Bạn không thể sửa tin nhắn này"
	}
	switch status.Code(err) {
	case codes.NotFound:
		return "Không tìm thấy tin nhắn"
	case codes.PermissionDenied, codes.Unauthenticated:
		return "Bạn không có quyền thực hiện thao tác này"
	case codes.Unavailable, codes.DeadlineExceeded:
		return "Không thể kết nối tới máy chủ"
	}
	return "Thao tác thất bại, vui lòng thử lại"
}
