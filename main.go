package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/perusworld/BleComm/bluetooth"
	"github.com/perusworld/BleComm/server"
	"github.com/perusworld/BleComm/utils"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

const (
	reconnectDelay = 5 * time.Second
	version        = "0.3.0"
)

func main() {
	app := cli.NewApp()
	app.Name = "blecomm"
	app.Usage = "exchange framed messages with a BLE peripheral"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "Enable debug logging",
			EnvVar: "BLECOMM_DEBUG",
		},
		cli.StringFlag{
			Name:   "log-file",
			Usage:  "Also append logs to this file",
			EnvVar: "BLECOMM_LOG_FILE",
		},
		cli.StringFlag{
			Name:   "adapter",
			Value:  bluetooth.DEFAULT_ADAPTER_PATH,
			Usage:  "BlueZ adapter object path",
			EnvVar: "BLECOMM_ADAPTER",
		},
		cli.StringFlag{
			Name:   "service",
			Value:  bluetooth.DefaultServiceUUID,
			Usage:  "GATT service UUID",
			EnvVar: "BLECOMM_SERVICE_UUID",
		},
		cli.StringFlag{
			Name:   "tx",
			Value:  bluetooth.DefaultTxCharUUID,
			Usage:  "characteristic the central writes to",
			EnvVar: "BLECOMM_TX_UUID",
		},
		cli.StringFlag{
			Name:   "rx",
			Value:  bluetooth.DefaultRxCharUUID,
			Usage:  "characteristic the peripheral notifies on",
			EnvVar: "BLECOMM_RX_UUID",
		},
		cli.StringFlag{
			Name:   "feature-descriptor",
			Value:  bluetooth.DefaultFeatureDescriptorUUID,
			Usage:  "descriptor holding the comma separated feature list",
			EnvVar: "BLECOMM_FEATURE_DESCRIPTOR_UUID",
		},
		cli.StringFlag{
			Name:   "address, a",
			Usage:  "connect to the device with this address",
			EnvVar: "BLECOMM_ADDRESS",
		},
		cli.StringFlag{
			Name:   "name, n",
			Usage:  "connect to the device with this name",
			EnvVar: "BLECOMM_NAME",
		},
		cli.IntFlag{
			Name:   "max-frame-size",
			Value:  bluetooth.DefaultMaxFrameSize,
			Usage:  "largest protocol frame in bytes",
			EnvVar: "BLECOMM_MAX_FRAME_SIZE",
		},
		cli.IntFlag{
			Name:   "max-write-size",
			Value:  bluetooth.DefaultMaxWriteSize,
			Usage:  "largest single GATT write in bytes",
			EnvVar: "BLECOMM_MAX_WRITE_SIZE",
		},
		cli.IntFlag{
			Name:   "writes-per-second",
			Value:  bluetooth.DefaultRateLimitConfig().MaxWritesPerSecond,
			Usage:  "pace GATT writes, 0 disables pacing",
			EnvVar: "BLECOMM_WRITES_PER_SECOND",
		},
		cli.DurationFlag{
			Name:   "probe-timeout",
			Value:  bluetooth.DefaultFeatureProbeTimeout,
			Usage:  "how long to wait for the feature descriptor",
			EnvVar: "BLECOMM_PROBE_TIMEOUT",
		},
		cli.DurationFlag{
			Name:   "connect-timeout",
			Value:  bluetooth.DefaultConnectTimeout,
			Usage:  "how long to wait for services to resolve",
			EnvVar: "BLECOMM_CONNECT_TIMEOUT",
		},
		cli.DurationFlag{
			Name:   "scan-timeout",
			Value:  bluetooth.DefaultScanTimeout,
			Usage:  "how long to search for an unknown device",
			EnvVar: "BLECOMM_SCAN_TIMEOUT",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "serve",
			Usage: "Keep the peripheral connected and relay messages over HTTP and websocket",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "listen, l",
					Value:  ":8080",
					Usage:  "HTTP listen address",
					EnvVar: "BLECOMM_LISTEN",
				},
			},
			Action: serveCommand,
		},
		cli.Command{
			Name:  "scan",
			Usage: "List nearby devices advertising the service",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "window, w",
					Value: bluetooth.DefaultScanWindow,
					Usage: "how long to listen for advertisements",
				},
			},
			Action: scanCommand,
		},
		cli.Command{
			Name:      "send",
			Usage:     "Connect, send one message and print replies",
			ArgsUsage: "MESSAGE",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "wait, w",
					Value: 2 * time.Second,
					Usage: "how long to wait for replies",
				},
			},
			Action: sendCommand,
		},
		cli.Command{
			Name:   "chat",
			Usage:  "Send stdin lines to the peripheral and print what it sends back",
			Action: chatCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, Red(err.Error()))
		os.Exit(1)
	}
}

// appEnv is what every command needs: logger, config and a bus connection
type appEnv struct {
	log  *zap.Logger
	cfg  *bluetooth.Config
	conn *dbus.Conn
}

func newAppEnv(c *cli.Context) (*appEnv, error) {
	log, err := utils.NewLogger(c.GlobalBool("debug"), c.GlobalString("log-file"))
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	cfg := bluetooth.DefaultConfig()
	cfg.AdapterPath = c.GlobalString("adapter")
	cfg.ServiceUUID = c.GlobalString("service")
	cfg.TxCharUUID = c.GlobalString("tx")
	cfg.RxCharUUID = c.GlobalString("rx")
	cfg.FeatureDescriptorUUID = c.GlobalString("feature-descriptor")
	cfg.DeviceAddress = c.GlobalString("address")
	cfg.DeviceName = c.GlobalString("name")
	cfg.MaxFrameSize = c.GlobalInt("max-frame-size")
	cfg.MaxWriteSize = c.GlobalInt("max-write-size")
	cfg.RateLimit.MaxWritesPerSecond = c.GlobalInt("writes-per-second")
	cfg.FeatureProbeTimeout = c.GlobalDuration("probe-timeout")
	cfg.ConnectTimeout = c.GlobalDuration("connect-timeout")
	cfg.ScanTimeout = c.GlobalDuration("scan-timeout")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &appEnv{log: log, cfg: cfg, conn: conn}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func serveCommand(c *cli.Context) error {
	rt, err := newAppEnv(c)
	if err != nil {
		return err
	}
	defer rt.log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	hub := utils.NewWebSocketHub(rt.log.Named("ws"))
	listener := server.SessionListener(hub, rt.log.Named("relay"))
	lost := make(chan struct{}, 1)
	onDisconnected := listener.OnDisconnected
	listener.OnDisconnected = func() {
		onDisconnected()
		select {
		case lost <- struct{}{}:
		default:
		}
	}

	link := bluetooth.NewBluezLink(rt.conn, rt.cfg, rt.log.Named("bluez"))
	session := bluetooth.NewSession(link, rt.cfg, listener, rt.log.Named("session"))
	defer session.Close()

	srv := server.NewServer(session, hub, rt.log.Named("http"))
	errs := make(chan error, 1)
	go func() { errs <- srv.Start(c.String("listen")) }()

	go keepConnected(ctx, session, lost, rt.log)

	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if serr := srv.Stop(shutdownCtx); serr != nil {
		rt.log.Warn("HTTP shutdown", zap.Error(serr))
	}
	return err
}

// keepConnected connects and reconnects after every loss until ctx ends
func keepConnected(ctx context.Context, session *bluetooth.Session, lost <-chan struct{}, log *zap.Logger) {
	ticker := time.NewTicker(reconnectDelay)
	defer ticker.Stop()
	for {
		if session.Status().State == bluetooth.CONNECTION_STATE_DISCONNECTED {
			if err := session.Connect(ctx); err != nil {
				log.Warn("connect failed", zap.Error(err), zap.Duration("retry_in", reconnectDelay))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-lost:
		case <-ticker.C:
		}
	}
}

func scanCommand(c *cli.Context) error {
	rt, err := newAppEnv(c)
	if err != nil {
		return err
	}
	defer rt.log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	link := bluetooth.NewBluezLink(rt.conn, rt.cfg, rt.log.Named("bluez"))
	found, err := link.Scan(ctx, c.Duration("window"))
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println(Yellow("no devices found"))
		return nil
	}
	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%s\t%s\n", Cyan(name), found[name])
	}
	return nil
}

// connectInteractive connects a session that prints messages and errors to the terminal
func connectInteractive(ctx context.Context, rt *appEnv) (*bluetooth.Session, <-chan struct{}, error) {
	ready := make(chan struct{}, 1)
	listener := bluetooth.Listener{
		OnReady: func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		},
		OnDisconnected: func() {
			fmt.Fprintln(os.Stderr, Yellow("disconnected"))
		},
		OnMessage: func(msg []byte) {
			fmt.Printf("%s %s\n", Green("<"), msg)
		},
		OnError: func(err error) {
			fmt.Fprintln(os.Stderr, Red(err.Error()))
		},
	}

	link := bluetooth.NewBluezLink(rt.conn, rt.cfg, rt.log.Named("bluez"))
	session := bluetooth.NewSession(link, rt.cfg, listener, rt.log.Named("session"))
	if err := session.Connect(ctx); err != nil {
		session.Close()
		return nil, nil, err
	}
	return session, ready, nil
}

func waitReady(ctx context.Context, ready <-chan struct{}, timeout time.Duration) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("peripheral not ready after %s", timeout)
	}
}

func sendCommand(c *cli.Context) error {
	message := c.Args().First()
	if message == "" {
		return cli.NewExitError("usage: blecomm send MESSAGE", 2)
	}

	rt, err := newAppEnv(c)
	if err != nil {
		return err
	}
	defer rt.log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	session, ready, err := connectInteractive(ctx, rt)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := waitReady(ctx, ready, rt.cfg.FeatureProbeTimeout+rt.cfg.ConnectTimeout); err != nil {
		return err
	}
	if !session.Send(message) {
		return fmt.Errorf("send rejected")
	}
	fmt.Printf("%s %s\n", Cyan(">"), message)

	select {
	case <-ctx.Done():
	case <-time.After(c.Duration("wait")):
	}
	return nil
}

func chatCommand(c *cli.Context) error {
	rt, err := newAppEnv(c)
	if err != nil {
		return err
	}
	defer rt.log.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	session, ready, err := connectInteractive(ctx, rt)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := waitReady(ctx, ready, rt.cfg.FeatureProbeTimeout+rt.cfg.ConnectTimeout); err != nil {
		return err
	}
	st := session.Status()
	fmt.Fprintf(os.Stderr, "%s %s (%s)\n", Green("connected"), st.Variant, bluetooth.Features(st.Features))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "":
				continue
			case "/ping":
				if !session.Ping() {
					fmt.Fprintln(os.Stderr, Red("ping needs a framed connection"))
				}
				continue
			}
			if !session.Send(line) {
				fmt.Fprintln(os.Stderr, Red("not connected, message dropped"))
			}
		}
	}
}
