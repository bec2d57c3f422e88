package bluetooth

const (
	BLUEZ_BUS_NAME            = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE   = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE    = "org.bluez.Device1"
	BLUEZ_GATT_SERVICE        = "org.bluez.GattService1"
	BLUEZ_GATT_CHARACTERISTIC = "org.bluez.GattCharacteristic1"
	BLUEZ_GATT_DESCRIPTOR     = "org.bluez.GattDescriptor1"
	DBUS_PROPERTIES_INTERFACE = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER       = "org.freedesktop.DBus.ObjectManager"
	DBUS_PROPERTIES_CHANGED   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	DEFAULT_ADAPTER_PATH      = "/org/bluez/hci0"
)

// GATT characteristic flags reported by BlueZ
const (
	FLAG_WRITE                  = "write"
	FLAG_WRITE_WITHOUT_RESPONSE = "write-without-response"
	FLAG_NOTIFY                 = "notify"
	FLAG_INDICATE               = "indicate"
)

// Connection states
const (
	CONNECTION_STATE_DISCONNECTED = "disconnected"
	CONNECTION_STATE_NEGOTIATING  = "negotiating"
	CONNECTION_STATE_CONNECTED    = "connected"
)
