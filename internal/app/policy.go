// Package app holds policies shared by the proxy and the chat server.
package app

import (
	"errors"

	"github.com/dkeye/chatmesh/internal/domain"
)

type SendFailureAction int

const (
	NoAction SendFailureAction = iota
	DropMessage
	KickMember
)

func (a SendFailureAction) String() string {
	switch a {
	case DropMessage:
		return "drop"
	case KickMember:
		return "kick"
	}
	return "none"
}

// Policy decides what happens to a local session whose link rejected a send.
type Policy interface {
	OnSendFailure(user domain.UserName, err error) SendFailureAction
}

// SimplePolicy kicks on broken links and drops the message on anything else.
type SimplePolicy struct{}

func (SimplePolicy) OnSendFailure(_ domain.UserName, err error) SendFailureAction {
	if errors.Is(err, domain.ErrLink) {
		return KickMember
	}
	return DropMessage
}
