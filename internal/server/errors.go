package server

import "errors"

// Error taxonomy matching the five classes of failure the policy
// server distinguishes: a wire-protocol violation, a store failure
// that is expected to clear on retry, one that will not, a bad
// whitelist source, and a configuration problem caught at startup.
var (
	ErrProtocol        = errors.New("server: protocol violation")
	ErrTransientStore  = errors.New("server: transient store failure")
	ErrPermanentStore  = errors.New("server: permanent store failure")
	ErrWhitelistSource = errors.New("server: whitelist source failure")
	ErrConfig          = errors.New("server: configuration error")
)
