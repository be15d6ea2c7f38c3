package utils

import (
	"github.com/lithammer/shortuuid/v3"
)

const (
	RoomPrefix = "RM_"

	clientLabelLength = 8
)

func NewGuid(prefix string) string {
	return prefix + shortuuid.New()
}

// NewClientLabel returns a short identifier used to tag a client connection in
// logs and conversation transcripts.
func NewClientLabel() string {
	return shortuuid.New()[:clientLabelLength]
}
