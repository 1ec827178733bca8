package clockid

import "github.com/google/uuid"

// NewMessageID returns an opaque, unique id suitable for an Envelope's
// messageId. Grounded on the pack's common choice of google/uuid for
// correlation ids (provisr, zmux-server, govega, phpeek-pm all pull it in).
func NewMessageID() string {
	return uuid.NewString()
}
