package event

import (
	"github.com/rs/zerolog"
)

type ActionType string

const (
	ActionTypeAllow ActionType = "allow"
	ActionTypeDrop  ActionType = "drop"
)

type Sender interface {
	Send(logger *zerolog.Logger)
}
