package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing/state.
	ErrWorldBusy     = "E_WORLD_BUSY"
	ErrWorldNotFound = "E_WORLD_NOT_FOUND"
	ErrWorldClosed   = "E_WORLD_CLOSED"

	// Approval layer.
	ErrBadRequest      = "E_BAD_REQUEST"
	ErrOwnership       = "E_OWNERSHIP"
	ErrRequestNotFound = "E_REQUEST_NOT_FOUND"
	ErrTimeout         = "E_TIMEOUT"
	ErrInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrWorldBusy:       {},
	ErrWorldNotFound:   {},
	ErrWorldClosed:     {},
	ErrBadRequest:      {},
	ErrOwnership:       {},
	ErrRequestNotFound: {},
	ErrTimeout:         {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
