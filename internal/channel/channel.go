package channel

import (
	"errors"
	"fmt"
	"strings"
)

// Origin identifies the actor that caused a stock change. The set of origins
// is closed; persisted values outside it are rejected at the boundary.
type Origin string

const (
	// OriginLocal marks changes made by the system of record itself.
	OriginLocal Origin = "local"
	// OriginStorefront marks changes pulled from a storefront (REST/XML) channel.
	OriginStorefront Origin = "storefront"
	// OriginMarketplace marks changes pulled from a marketplace (OAuth REST) channel.
	OriginMarketplace Origin = "marketplace"
)

// ErrInvalidOrigin indicates an origin value outside the closed set.
var ErrInvalidOrigin = errors.New("channel: invalid origin")

// ParseOrigin validates raw input against the closed origin set.
func ParseOrigin(rawInput string) (Origin, error) {
	switch Origin(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OriginLocal:
		return OriginLocal, nil
	case OriginStorefront:
		return OriginStorefront, nil
	case OriginMarketplace:
		return OriginMarketplace, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOrigin, rawInput)
	}
}

// IsLocal reports whether the origin is the local system of record.
func (o Origin) IsLocal() bool {
	return o == OriginLocal
}

// String returns the persisted label for the origin.
func (o Origin) String() string {
	return string(o)
}

// Protocol identifies one of the two supported channel protocols.
type Protocol string

const (
	// ProtocolStorefront is the basic-auth REST/XML catalog protocol.
	ProtocolStorefront Protocol = "storefront"
	// ProtocolMarketplace is the OAuth2 REST marketplace protocol.
	ProtocolMarketplace Protocol = "marketplace"
)

// ErrInvalidProtocol indicates a protocol value outside the closed set.
var ErrInvalidProtocol = errors.New("channel: invalid protocol")

// ParseProtocol validates raw input against the closed protocol set.
func ParseProtocol(rawInput string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ProtocolStorefront:
		return ProtocolStorefront, nil
	case ProtocolMarketplace:
		return ProtocolMarketplace, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProtocol, rawInput)
	}
}

// Origin maps the protocol to the origin label used for changes it produces.
func (p Protocol) Origin() Origin {
	if p == ProtocolMarketplace {
		return OriginMarketplace
	}
	return OriginStorefront
}

// SyncMode controls which directions a site connection participates in.
type SyncMode string

const (
	// SyncModeOff disables synchronization for the site entirely.
	SyncModeOff SyncMode = "off"
	// SyncModeBidirectional allows both inbound pulls and outbound pushes.
	SyncModeBidirectional SyncMode = "bidir"
	// SyncModePushOnly allows outbound pushes only.
	SyncModePushOnly SyncMode = "push_only"
	// SyncModePullOnly allows inbound pulls only.
	SyncModePullOnly SyncMode = "pull_only"
)

// ErrInvalidSyncMode indicates a sync mode outside the closed set.
var ErrInvalidSyncMode = errors.New("channel: invalid sync mode")

// ParseSyncMode validates raw input against the closed sync mode set.
func ParseSyncMode(rawInput string) (SyncMode, error) {
	switch SyncMode(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SyncModeOff:
		return SyncModeOff, nil
	case SyncModeBidirectional:
		return SyncModeBidirectional, nil
	case SyncModePushOnly:
		return SyncModePushOnly, nil
	case SyncModePullOnly:
		return SyncModePullOnly, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncMode, rawInput)
	}
}

// AllowsPush reports whether outbound pushes to the site are permitted.
func (m SyncMode) AllowsPush() bool {
	return m == SyncModeBidirectional || m == SyncModePushOnly
}

// AllowsPull reports whether inbound pulls from the site are permitted.
func (m SyncMode) AllowsPull() bool {
	return m == SyncModeBidirectional || m == SyncModePullOnly
}
