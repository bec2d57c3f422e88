package bluetooth

import (
	"fmt"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Config describes the peripheral topology and link tuning for a session
type Config struct {
	AdapterPath           string
	ServiceUUID           string
	TxCharUUID            string
	RxCharUUID            string
	FeatureDescriptorUUID string

	// Optional device filters. When both are empty the first device
	// advertising ServiceUUID is used.
	DeviceAddress string
	DeviceName    string

	MaxWriteSize        int
	MaxFrameSize        int
	FeatureProbeTimeout time.Duration
	ConnectTimeout      time.Duration
	ScanTimeout         time.Duration
	WriteTimeout        time.Duration

	RateLimit *RateLimitConfig
}

// DefaultConfig returns the configuration of the reference peripheral
func DefaultConfig() *Config {
	return &Config{
		AdapterPath:           DEFAULT_ADAPTER_PATH,
		ServiceUUID:           DefaultServiceUUID,
		TxCharUUID:            DefaultTxCharUUID,
		RxCharUUID:            DefaultRxCharUUID,
		FeatureDescriptorUUID: DefaultFeatureDescriptorUUID,
		MaxWriteSize:          DefaultMaxWriteSize,
		MaxFrameSize:          DefaultMaxFrameSize,
		FeatureProbeTimeout:   DefaultFeatureProbeTimeout,
		ConnectTimeout:        DefaultConnectTimeout,
		ScanTimeout:           DefaultScanTimeout,
		WriteTimeout:          DefaultWriteTimeout,
		RateLimit:             DefaultRateLimitConfig(),
	}
}

// Validate checks UUIDs and sizes and normalizes UUID strings to lower case
func (c *Config) Validate() error {
	uuids := []struct {
		name  string
		value *string
	}{
		{"service", &c.ServiceUUID},
		{"tx characteristic", &c.TxCharUUID},
		{"rx characteristic", &c.RxCharUUID},
		{"feature descriptor", &c.FeatureDescriptorUUID},
	}
	for _, u := range uuids {
		parsed, err := uuid.FromString(*u.value)
		if err != nil {
			return fmt.Errorf("invalid %s UUID %q: %w", u.name, *u.value, err)
		}
		*u.value = parsed.String()
	}
	if strings.EqualFold(c.TxCharUUID, c.RxCharUUID) {
		return fmt.Errorf("tx and rx characteristics must differ")
	}
	if c.MaxFrameSize < MinFrameSize {
		return fmt.Errorf("max frame size %d below minimum %d", c.MaxFrameSize, MinFrameSize)
	}
	if c.MaxWriteSize < MinFrameSize {
		return fmt.Errorf("max write size %d below minimum %d", c.MaxWriteSize, MinFrameSize)
	}
	if c.FeatureProbeTimeout <= 0 {
		c.FeatureProbeTimeout = DefaultFeatureProbeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	return nil
}

// RateLimitConfig paces physical writes. A zero MaxWritesPerSecond disables pacing.
type RateLimitConfig struct {
	MaxWritesPerSecond int
	BurstSize          int
}

// DefaultRateLimitConfig returns a pacing that keeps write-without-response
// traffic below what common controllers drop
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MaxWritesPerSecond: 200,
		BurstSize:          20,
	}
}

// Variant identifies which handler a connection is bound to
type Variant string

const (
	VariantRaw    Variant = "raw"
	VariantFramed Variant = "framed"
)

// NegotiationState tracks the feature probe of one connection
type NegotiationState int

const (
	AwaitingFeatureProbe NegotiationState = iota
	FeatureKnown
)

func (s NegotiationState) String() string {
	switch s {
	case FeatureKnown:
		return "feature_known"
	default:
		return "awaiting_feature_probe"
	}
}

// Status is a snapshot of the session for status endpoints
type Status struct {
	State       string   `json:"state"`
	Variant     Variant  `json:"variant,omitempty"`
	Features    []string `json:"features,omitempty"`
	Negotiation string   `json:"negotiation,omitempty"`
	Ready       bool     `json:"ready"`
	PendingRx   int      `json:"pending_rx_bytes"`
}

// Listener receives application-visible session events. All callbacks are
// invoked from a single goroutine, in order. Nil callbacks are skipped.
type Listener struct {
	OnConnected    func()
	OnReady        func()
	OnDisconnected func()
	OnMessage      func(msg []byte)
	OnError        func(err error)
}
