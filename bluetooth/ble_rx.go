package bluetooth

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

func propertiesChangedRule(path dbus.ObjectPath) string {
	return fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", DBUS_PROPERTIES_INTERFACE, path)
}

// subscribe registers match rules for rx value changes and device state
func (c *bluezConnection) subscribe() error {
	bus := c.link.conn.BusObject()
	for _, path := range []dbus.ObjectPath{c.paths.rx, c.paths.device} {
		rule := propertiesChangedRule(path)
		if err := bus.Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			c.unsubscribe()
			return fmt.Errorf("add match for %s: %w", path, err)
		}
		c.rules = append(c.rules, rule)
	}
	c.link.conn.Signal(c.signals)
	return nil
}

func (c *bluezConnection) unsubscribe() {
	c.link.conn.RemoveSignal(c.signals)
	bus := c.link.conn.BusObject()
	for _, rule := range c.rules {
		if err := bus.Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
			c.link.log.Debug("remove match failed", zap.String("rule", rule), zap.Error(err))
		}
	}
	c.rules = nil
}

// monitor forwards notifications until the connection ends
func (c *bluezConnection) monitor() {
	log := c.link.log.Named("rx")
	for {
		select {
		case <-c.stop:
			return
		case sig, ok := <-c.signals:
			if !ok {
				c.finish(errors.New("system bus connection closed"))
				return
			}
			value, lost := c.decodeSignal(sig)
			if lost {
				log.Info("device reported disconnect", zap.String("path", string(c.paths.device)))
				c.finish(ErrLinkLost)
				return
			}
			if value != nil {
				c.events.Received(value)
			}
		}
	}
}

// decodeSignal returns a copy of a new rx value, or lost when the device
// dropped its connection
func (c *bluezConnection) decodeSignal(sig *dbus.Signal) (value []byte, lost bool) {
	if sig == nil || sig.Name != DBUS_PROPERTIES_CHANGED || len(sig.Body) < 2 {
		return nil, false
	}
	iface, _ := sig.Body[0].(string)
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}

	switch {
	case sig.Path == c.paths.rx && iface == BLUEZ_GATT_CHARACTERISTIC:
		v, ok := changed["Value"]
		if !ok {
			return nil, false
		}
		if b, ok := v.Value().([]byte); ok {
			return cloneBytes(b), false
		}
	case sig.Path == c.paths.device && iface == BLUEZ_DEVICE_INTERFACE:
		if v, ok := changed["Connected"]; ok {
			if connected, ok := v.Value().(bool); ok && !connected {
				return nil, true
			}
		}
	}
	return nil, false
}
