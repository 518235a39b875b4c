package storage

import "errors"

var (
	ErrUserExists       = errors.New("user already exists")
	ErrUserNotExist     = errors.New("user does not exist")
	ErrRoomExists       = errors.New("room already exists")
	ErrRoomNotExist     = errors.New("room does not exist")
	ErrRoomBadMembers   = errors.New("bad members list")
	ErrEmptyContent     = errors.New("message content is empty")
	ErrRoomRequired     = errors.New("room reference is required")
	ErrMessageBadRoom   = errors.New("bad room id")
	ErrMessageBadAuthor = errors.New("bad author id")
	ErrBadRecipient     = errors.New("bad recipient id")
)
