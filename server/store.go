package server

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a video or its data does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a like/unlike targets the state it is already in
	ErrConflict = errors.New("conflict")
	// ErrIOFailure is returned when a storage read or write did not complete
	ErrIOFailure = errors.New("storage i/o failure")

	ErrAlreadyLiked = &conflictError{reason: "already_liked", msg: "user already likes this video"}
	ErrNotLiked     = &conflictError{reason: "not_liked", msg: "user does not like this video"}
)

// conflictError is an ErrConflict with a machine readable reason.
type conflictError struct {
	reason string
	msg    string
}

func (e *conflictError) Error() string        { return e.msg }
func (e *conflictError) Is(target error) bool { return target == ErrConflict }

// Reason returns the reason code sent to clients.
func (e *conflictError) Reason() string { return e.reason }

// VideoID identifies a video record. Valid ids are always > 0.
type VideoID int64

// Video represents a video record
type Video struct {
	ID          VideoID `json:"id"`
	Title       string  `json:"title"`
	Duration    int64   `json:"duration"`
	Location    string  `json:"location,omitempty"`
	Subject     string  `json:"subject,omitempty"`
	ContentType string  `json:"contentType,omitempty"`
	DataURL     string  `json:"dataUrl"`
	LikeCount   int64   `json:"likeCount"`
}

// VideoQuery filters a video listing. Zero fields do not filter.
type VideoQuery struct {
	TitleContains       string
	DurationLessThan    int64
	HasDurationLessThan bool
}

// Metadata defines the video record operations the handlers depend on
type Metadata interface {
	CreateVideo(ctx context.Context, video *Video) (*Video, error)
	GetVideo(ctx context.Context, id VideoID) (*Video, error)
	QueryVideos(ctx context.Context, query *VideoQuery) ([]*Video, error)
}
