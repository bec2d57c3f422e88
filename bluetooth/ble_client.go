package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

var (
	ErrDeviceNotFound         = errors.New("device not found")
	ErrServiceNotFound        = errors.New("GATT service not found")
	ErrCharacteristicNotFound = errors.New("GATT characteristic not found")
	ErrAlreadyConnected       = errors.New("link already connected")
	ErrLinkLost               = errors.New("peripheral disconnected")
)

const propertyPollInterval = 200 * time.Millisecond

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// gattPaths is the resolved GATT topology of one connected device
type gattPaths struct {
	device       dbus.ObjectPath
	service      dbus.ObjectPath
	tx           dbus.ObjectPath
	rx           dbus.ObjectPath
	descriptor   dbus.ObjectPath
	writeCommand bool
	mtu          int
}

// BluezLink drives one peripheral through BlueZ over the system bus
type BluezLink struct {
	conn *dbus.Conn
	cfg  *Config
	log  *zap.Logger

	mu     sync.Mutex
	active *bluezConnection
}

func NewBluezLink(conn *dbus.Conn, cfg *Config, log *zap.Logger) *BluezLink {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BluezLink{conn: conn, cfg: cfg, log: log}
}

// Connect locates the device, connects, resolves the characteristics and
// enables notifications. It returns once the link is ready.
func (l *BluezLink) Connect(ctx context.Context, events LinkEvents) error {
	l.mu.Lock()
	busy := l.active != nil
	l.mu.Unlock()
	if busy {
		return ErrAlreadyConnected
	}

	devicePath, err := l.locateDevice(ctx)
	if err != nil {
		return err
	}
	l.log.Info("device located", zap.String("path", string(devicePath)))

	if err := l.connectDevice(ctx, devicePath); err != nil {
		return err
	}

	objects, err := l.managedObjects(ctx)
	if err != nil {
		l.disconnectDevice(devicePath)
		return err
	}
	paths, err := findGattPaths(objects, devicePath, l.cfg)
	if err != nil {
		l.disconnectDevice(devicePath)
		return err
	}
	l.log.Info("characteristics resolved",
		zap.String("tx", string(paths.tx)),
		zap.String("rx", string(paths.rx)),
		zap.String("descriptor", string(paths.descriptor)),
		zap.Bool("write_without_response", paths.writeCommand),
		zap.Int("mtu", paths.mtu))

	c := newBluezConnection(l, paths, events)
	if err := c.subscribe(); err != nil {
		l.disconnectDevice(devicePath)
		return err
	}

	l.mu.Lock()
	l.active = c
	l.mu.Unlock()

	events.Connected(c)
	go c.monitor()

	rx := l.conn.Object(BLUEZ_BUS_NAME, paths.rx)
	if err := rx.CallWithContext(ctx, BLUEZ_GATT_CHARACTERISTIC+".StartNotify", 0).Err; err != nil {
		err = fmt.Errorf("start notify on %s: %w", paths.rx, err)
		l.disconnectDevice(devicePath)
		c.finish(err)
		return err
	}

	events.Ready()
	return nil
}

// Disconnect tears the active connection down. It is a no-op without one.
func (l *BluezLink) Disconnect() error {
	l.mu.Lock()
	c := l.active
	l.mu.Unlock()
	if c == nil {
		return nil
	}

	rx := l.conn.Object(BLUEZ_BUS_NAME, c.paths.rx)
	if err := rx.Call(BLUEZ_GATT_CHARACTERISTIC+".StopNotify", 0).Err; err != nil {
		l.log.Debug("stop notify failed", zap.Error(err))
	}
	c.finish(nil)
	return l.disconnectDevice(c.paths.device)
}

func (l *BluezLink) release(c *bluezConnection) {
	l.mu.Lock()
	if l.active == c {
		l.active = nil
	}
	l.mu.Unlock()
}

func (l *BluezLink) managedObjects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	obj := l.conn.Object(BLUEZ_BUS_NAME, "/")
	if err := obj.CallWithContext(ctx, DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

// locateDevice checks known devices first, then runs discovery until
// ScanTimeout elapses
func (l *BluezLink) locateDevice(ctx context.Context) (dbus.ObjectPath, error) {
	objects, err := l.managedObjects(ctx)
	if err != nil {
		return "", err
	}
	if path, ok := matchDevice(objects, l.cfg); ok {
		return path, nil
	}

	l.log.Info("no known device matches, starting discovery", zap.Duration("timeout", l.cfg.ScanTimeout))
	if err := l.startDiscovery(ctx); err != nil {
		return "", err
	}
	defer l.stopDiscovery()

	scanCtx, cancel := context.WithTimeout(ctx, l.cfg.ScanTimeout)
	defer cancel()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-scanCtx.Done():
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%w after %s", ErrDeviceNotFound, l.cfg.ScanTimeout)
		case <-ticker.C:
			objects, err := l.managedObjects(scanCtx)
			if err != nil {
				l.log.Debug("poll during discovery failed", zap.Error(err))
				continue
			}
			if path, ok := matchDevice(objects, l.cfg); ok {
				return path, nil
			}
		}
	}
}

func (l *BluezLink) startDiscovery(ctx context.Context) error {
	adapter := l.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(l.cfg.AdapterPath))

	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": false,
	}
	if err := adapter.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		// some adapters reject filters
		l.log.Debug("set discovery filter failed", zap.Error(err))
	}
	if err := adapter.CallWithContext(ctx, BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

func (l *BluezLink) stopDiscovery() {
	adapter := l.conn.Object(BLUEZ_BUS_NAME, dbus.ObjectPath(l.cfg.AdapterPath))
	if err := adapter.Call(BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", 0).Err; err != nil {
		l.log.Debug("stop discovery failed", zap.Error(err))
	}
}

// connectDevice connects and waits for service resolution within ConnectTimeout
func (l *BluezLink) connectDevice(ctx context.Context, path dbus.ObjectPath) error {
	connectCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	obj := l.conn.Object(BLUEZ_BUS_NAME, path)
	connected, _ := l.deviceBool(connectCtx, obj, "Connected")
	if !connected {
		if err := obj.CallWithContext(connectCtx, BLUEZ_DEVICE_INTERFACE+".Connect", 0).Err; err != nil {
			return fmt.Errorf("connect %s: %w", path, err)
		}
	}

	ticker := time.NewTicker(propertyPollInterval)
	defer ticker.Stop()
	for {
		connected, _ = l.deviceBool(connectCtx, obj, "Connected")
		resolved, _ := l.deviceBool(connectCtx, obj, "ServicesResolved")
		if connected && resolved {
			return nil
		}
		select {
		case <-connectCtx.Done():
			l.disconnectDevice(path)
			return fmt.Errorf("waiting for services on %s: %w", path, connectCtx.Err())
		case <-ticker.C:
		}
	}
}

func (l *BluezLink) deviceBool(ctx context.Context, obj dbus.BusObject, name string) (bool, error) {
	var v dbus.Variant
	if err := obj.CallWithContext(ctx, DBUS_PROPERTIES_INTERFACE+".Get", 0, BLUEZ_DEVICE_INTERFACE, name).Store(&v); err != nil {
		return false, err
	}
	b, _ := v.Value().(bool)
	return b, nil
}

func (l *BluezLink) disconnectDevice(path dbus.ObjectPath) error {
	obj := l.conn.Object(BLUEZ_BUS_NAME, path)
	if err := obj.Call(BLUEZ_DEVICE_INTERFACE+".Disconnect", 0).Err; err != nil {
		l.log.Warn("device disconnect failed", zap.String("path", string(path)), zap.Error(err))
		return fmt.Errorf("disconnect %s: %w", path, err)
	}
	return nil
}

// bluezConnection is one connected device. It implements Transport.
type bluezConnection struct {
	link    *BluezLink
	paths   gattPaths
	events  LinkEvents
	signals chan *dbus.Signal
	rules   []string
	stop    chan struct{}
	once    sync.Once
}

func newBluezConnection(l *BluezLink, paths gattPaths, events LinkEvents) *bluezConnection {
	return &bluezConnection{
		link:    l,
		paths:   paths,
		events:  events,
		signals: make(chan *dbus.Signal, 100),
		stop:    make(chan struct{}),
	}
}

func (c *bluezConnection) Write(ctx context.Context, p []byte) error {
	writeType := "request"
	if c.paths.writeCommand {
		writeType = "command"
	}
	options := map[string]interface{}{"type": writeType}
	obj := c.link.conn.Object(BLUEZ_BUS_NAME, c.paths.tx)
	return obj.CallWithContext(ctx, BLUEZ_GATT_CHARACTERISTIC+".WriteValue", 0, p, options).Err
}

func (c *bluezConnection) MaxWriteSize() int {
	return clampWriteSize(c.paths.mtu, c.link.cfg.MaxWriteSize)
}

func (c *bluezConnection) ReadFeatures(ctx context.Context) (string, error) {
	if c.paths.descriptor == "" {
		return "", nil
	}
	var value []byte
	obj := c.link.conn.Object(BLUEZ_BUS_NAME, c.paths.descriptor)
	if err := obj.CallWithContext(ctx, BLUEZ_GATT_DESCRIPTOR+".ReadValue", 0, map[string]interface{}{}).Store(&value); err != nil {
		return "", fmt.Errorf("read descriptor %s: %w", c.paths.descriptor, err)
	}
	return string(value), nil
}

// finish releases the connection once and reports the disconnect
func (c *bluezConnection) finish(err error) {
	c.once.Do(func() {
		close(c.stop)
		c.unsubscribe()
		c.link.release(c)
		c.events.Disconnected(err)
	})
}

// clampWriteSize derives the usable write size from an ATT MTU. A zero MTU
// means BlueZ did not report one.
func clampWriteSize(mtu, max int) int {
	if mtu <= ATTHeaderSize {
		return max
	}
	if size := mtu - ATTHeaderSize; size < max {
		return size
	}
	return max
}

func formatDevicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func sortedPaths(objects managedObjects) []dbus.ObjectPath {
	paths := make([]dbus.ObjectPath, 0, len(objects))
	for p := range objects {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

// matchDevice picks the device selected by cfg: by address, else by name,
// else the first device advertising the service UUID
func matchDevice(objects managedObjects, cfg *Config) (dbus.ObjectPath, bool) {
	if cfg.DeviceAddress != "" {
		path := formatDevicePath(cfg.AdapterPath, cfg.DeviceAddress)
		if _, ok := objects[path][BLUEZ_DEVICE_INTERFACE]; ok {
			return path, true
		}
	}

	prefix := cfg.AdapterPath + "/dev_"
	for _, path := range sortedPaths(objects) {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := objects[path][BLUEZ_DEVICE_INTERFACE]
		if !ok {
			continue
		}
		switch {
		case cfg.DeviceAddress != "":
			if strings.EqualFold(stringProp(props, "Address"), cfg.DeviceAddress) {
				return path, true
			}
		case cfg.DeviceName != "":
			if stringProp(props, "Name") == cfg.DeviceName || stringProp(props, "Alias") == cfg.DeviceName {
				return path, true
			}
		default:
			if containsFold(stringsProp(props, "UUIDs"), cfg.ServiceUUID) {
				return path, true
			}
		}
	}
	return "", false
}

// findGattPaths resolves service, characteristics and feature descriptor
// under devicePath
func findGattPaths(objects managedObjects, devicePath dbus.ObjectPath, cfg *Config) (gattPaths, error) {
	paths := gattPaths{device: devicePath}
	ordered := sortedPaths(objects)

	for _, path := range ordered {
		if !strings.HasPrefix(string(path), string(devicePath)+"/") {
			continue
		}
		if props, ok := objects[path][BLUEZ_GATT_SERVICE]; ok && strings.EqualFold(stringProp(props, "UUID"), cfg.ServiceUUID) {
			paths.service = path
			break
		}
	}
	if paths.service == "" {
		return paths, fmt.Errorf("%w: %s on %s", ErrServiceNotFound, cfg.ServiceUUID, devicePath)
	}

	var txFlags, rxFlags []string
	for _, path := range ordered {
		if !strings.HasPrefix(string(path), string(paths.service)+"/") {
			continue
		}
		props, ok := objects[path][BLUEZ_GATT_CHARACTERISTIC]
		if !ok {
			continue
		}
		switch uuid := stringProp(props, "UUID"); {
		case strings.EqualFold(uuid, cfg.TxCharUUID):
			paths.tx = path
			txFlags = stringsProp(props, "Flags")
			if v, ok := props["MTU"]; ok {
				if mtu, ok := v.Value().(uint16); ok {
					paths.mtu = int(mtu)
				}
			}
		case strings.EqualFold(uuid, cfg.RxCharUUID):
			paths.rx = path
			rxFlags = stringsProp(props, "Flags")
		}
	}
	if paths.tx == "" {
		return paths, fmt.Errorf("%w: tx %s", ErrCharacteristicNotFound, cfg.TxCharUUID)
	}
	if paths.rx == "" {
		return paths, fmt.Errorf("%w: rx %s", ErrCharacteristicNotFound, cfg.RxCharUUID)
	}

	switch {
	case containsFold(txFlags, FLAG_WRITE_WITHOUT_RESPONSE):
		paths.writeCommand = true
	case containsFold(txFlags, FLAG_WRITE):
	default:
		return paths, fmt.Errorf("tx characteristic %s is not writable (flags %v)", paths.tx, txFlags)
	}
	if !containsFold(rxFlags, FLAG_NOTIFY) && !containsFold(rxFlags, FLAG_INDICATE) {
		return paths, fmt.Errorf("rx characteristic %s does not notify (flags %v)", paths.rx, rxFlags)
	}

	for _, path := range ordered {
		p := string(path)
		if !strings.HasPrefix(p, string(paths.rx)+"/") && !strings.HasPrefix(p, string(paths.tx)+"/") {
			continue
		}
		if props, ok := objects[path][BLUEZ_GATT_DESCRIPTOR]; ok && strings.EqualFold(stringProp(props, "UUID"), cfg.FeatureDescriptorUUID) {
			paths.descriptor = path
			break
		}
	}
	return paths, nil
}

func stringProp(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func stringsProp(props map[string]dbus.Variant, key string) []string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().([]string); ok {
			return s
		}
	}
	return nil
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
