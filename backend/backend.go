// Package backend is the messaging backend the dispatch client talks to:
// posting OTR messages, fetching prekey bundles for missing devices, and
// maintaining this client's own prekey supply.
package backend

import (
	"fmt"

	"github.com/google/uuid"

	"botbox/otr"
)

// Client is the backend contract the core consumes. A 412 "missing devices"
// response is not an error: SendMessage returns the Devices bookkeeping for
// both 2xx and 412, and any other status >= 400 surfaces as *HTTPError.
type Client interface {
	// SendMessage posts an OTR message. With ignoreMissing the backend
	// accepts the message even when some devices lack a ciphertext.
	SendMessage(msg *otr.OtrMessage, ignoreMissing bool) (*otr.Devices, error)

	// SendPartialMessage posts an OTR message addressed to a single user:
	// the backend reports missing devices for that user only.
	SendPartialMessage(msg *otr.OtrMessage, userID uuid.UUID) (*otr.Devices, error)

	// GetPreKeys fetches one prekey per listed device. Exhausted devices
	// map to a nil entry.
	GetPreKeys(missing otr.Missing) (otr.PreKeys, error)

	// UploadPreKeys publishes freshly generated prekeys.
	UploadPreKeys(keys []otr.PreKey) error

	// AvailablePreKeys returns the ids of this client's unconsumed prekeys.
	AvailablePreKeys() ([]int, error)
}

// HTTPError is a backend response with status >= 400 (other than the
// special-cased 412).
type HTTPError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}
