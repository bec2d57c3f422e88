package bluetooth

import "time"

const (
	// Service and characteristic UUIDs used by the reference peripheral
	DefaultServiceUUID = "00000000-0000-1000-8000-00805f9b34fb"
	DefaultTxCharUUID  = "00000001-0000-1000-8000-00805f9b34fb" // write
	DefaultRxCharUUID  = "00000002-0000-1000-8000-00805f9b34fb" // notify

	// Characteristic User Description, carries the feature list
	DefaultFeatureDescriptorUUID = "00002901-0000-1000-8000-00805f9b34fb"

	// BLE configuration
	DefaultMaxWriteSize = 512
	DefaultMaxFrameSize = 100
	ATTHeaderSize       = 3

	DefaultFeatureProbeTimeout = 2 * time.Second
	DefaultConnectTimeout      = 10 * time.Second
	DefaultScanTimeout         = 30 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
)

// Feature tokens read from the feature descriptor
const (
	FeatureSimple   = "simple"
	FeatureProtocol = "protocol"
)

// DefaultScanWindow is how long Scan listens for advertisements
const DefaultScanWindow = 5 * time.Second
