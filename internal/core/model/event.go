package model

import "time"

// EventType names a detection or timeout outcome.
type EventType string

const (
	EventSynFlood           EventType = "SYN_FLOOD"
	EventUDPFlood           EventType = "UDP_FLOOD"
	EventConnectionFlood    EventType = "CONNECTION_FLOOD"
	EventPacketRateSpike    EventType = "PACKET_RATE_SPIKE"
	EventBandwidthSpike     EventType = "BANDWIDTH_SPIKE"
	EventMultiSourceDDoS    EventType = "MULTI_SOURCE_DDOS"
	EventPortScan           EventType = "PORT_SCAN"
	EventSynTimeout         EventType = "SYN_TIMEOUT"
	EventHTTPTimeout        EventType = "HTTP_TIMEOUT"
	EventHealthCheckTimeout EventType = "HEALTH_CHECK_TIMEOUT"
	EventHealthCheckFailure EventType = "HEALTH_CHECK_FAILURE"
	EventRedirectLoop       EventType = "REDIRECT_LOOP"
	EventProxyLoop          EventType = "PROXY_LOOP"
)

// IsTimeout reports whether the event was produced by the timeout sweeper.
func (t EventType) IsTimeout() bool {
	return t == EventSynTimeout || t == EventHTTPTimeout || t == EventHealthCheckTimeout
}

// MultipleSources is the source identifier of events not attributable to one IP.
const MultipleSources = "multiple_sources"

// AttackEvent is an immutable detection record. Handlers must not modify it.
type AttackEvent struct {
	Type        EventType `json:"type"`
	Source      string    `json:"source"`
	Destination string    `json:"destination,omitempty"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	Detail      string    `json:"detail,omitempty"`
}
