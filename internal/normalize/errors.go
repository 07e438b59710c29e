package normalize

import "errors"

var (
	errMissingID   = errors.New("message has no id")
	errMissingChat = errors.New("message has no chat jid")
)
