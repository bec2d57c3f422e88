package bluetooth

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Scan runs discovery for window and returns name to address for every
// device advertising the configured service. Unnamed devices are keyed by address.
func (l *BluezLink) Scan(ctx context.Context, window time.Duration) (map[string]string, error) {
	if window <= 0 {
		window = DefaultScanWindow
	}
	if err := l.startDiscovery(ctx); err != nil {
		return nil, err
	}
	defer l.stopDiscovery()

	l.log.Info("scanning", zap.Duration("window", window), zap.String("service", l.cfg.ServiceUUID))
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	objects, err := l.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	found := scanResults(objects, l.cfg.AdapterPath, l.cfg.ServiceUUID)
	l.log.Info("scan complete", zap.Int("devices", len(found)))
	return found, nil
}

func scanResults(objects managedObjects, adapterPath, serviceUUID string) map[string]string {
	found := make(map[string]string)
	prefix := adapterPath + "/dev_"
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]
		if !ok || !containsFold(stringsProp(props, "UUIDs"), serviceUUID) {
			continue
		}
		address := stringProp(props, "Address")
		name := stringProp(props, "Name")
		if name == "" {
			name = address
		}
		found[name] = address
	}
	return found
}
