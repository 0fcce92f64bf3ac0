// aicam-node is the node-side daemon: it opens the bridging link to
// the Wake MCU, drives the local power rails, and maintains the MQTT
// connection to the cloud, mirroring cmd/smacprint's flag-parse-then-
// wire-everything-then-block shape.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/pio/conn/gpio"
	"github.com/google/pio/host"
	"github.com/jacobsa/go-serial/serial"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/fieldcam/aicam-node/bridge"
	"github.com/fieldcam/aicam-node/mqttclient"
	"github.com/fieldcam/aicam-node/netcore"
	"github.com/fieldcam/aicam-node/power"
)

var (
	serialPath = kingpin.Flag("device", "Path to the Wake MCU bridging serial port").Required().String()
	baudRate   = kingpin.Flag("baud", "Bridging serial port baudrate").Default("115200").Uint()

	mqttConfigPath = kingpin.Flag("mqtt-config", "Path to a JSON file covering the full MQTT configuration surface (overrides the mqtt-* flags below)").String()

	mqttHost     = kingpin.Flag("mqtt-host", "MQTT broker hostname").String()
	mqttPort     = kingpin.Flag("mqtt-port", "MQTT broker port").Default("8883").Int()
	mqttClientID = kingpin.Flag("mqtt-client-id", "MQTT client identifier").String()
	mqttUsername = kingpin.Flag("mqtt-username", "MQTT username").String()
	mqttPassword = kingpin.Flag("mqtt-password", "MQTT password").String()
	mqttTopic    = kingpin.Flag("mqtt-topic", "Topic to subscribe for inbound commands").Default("aicam/commands").String()

	caCertPath     = kingpin.Flag("ca-cert", "Path to the CA certificate bundle").String()
	clientCertPath = kingpin.Flag("client-cert", "Path to the client certificate").String()
	clientKeyPath  = kingpin.Flag("client-key", "Path to the client private key").String()
	tlsServerName  = kingpin.Flag("tls-server-name", "Override the TLS server name").String()
	insecureTLS    = kingpin.Flag("insecure-tls", "Skip TLS certificate verification (lab use only)").Bool()

	rail3v3Pin   = kingpin.Flag("gpio-rail-3v3", "GPIO pin name for the 3v3 rail switch").Default("GPIO17").String()
	railWifiPin  = kingpin.Flag("gpio-rail-wifi", "GPIO pin name for the WiFi rail switch").Default("GPIO27").String()
	railAonPin   = kingpin.Flag("gpio-rail-aon", "GPIO pin name for the always-on rail switch").Default("GPIO22").String()
	railN6Pin    = kingpin.Flag("gpio-rail-n6", "GPIO pin name for the main-SoC rail switch").Default("GPIO23").String()
	railExtPin   = kingpin.Flag("gpio-rail-ext", "GPIO pin name for the external rail switch").Default("GPIO24").String()
)

func main() {
	kingpin.Version("0.1")
	kingpin.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("aicam-node: signal received, shutting down")
		cancel()
	}()

	handler, err := wireBridge()
	if err != nil {
		fmt.Printf("Error opening bridging link: %v\n", err)
		os.Exit(1)
	}
	if err := handler.Init(); err != nil {
		fmt.Printf("Error initialising bridging handler: %v\n", err)
		os.Exit(1)
	}
	defer handler.Deinit()
	go handler.Run(ctx)

	if _, err := wirePower(); err != nil {
		// Rail control is best-effort on hardware that lacks the named
		// pins (e.g. a dev box); log and continue rather than abort the
		// whole daemon over it.
		log.Printf("aicam-node: power rail wiring unavailable: %v", err)
	}

	wiring, err := wireMQTT()
	if err != nil {
		fmt.Printf("Error configuring MQTT client: %v\n", err)
		os.Exit(1)
	}
	events := make(chan mqttclient.Event, 32)
	client := mqttclient.NewClient(wiring.cfg, wiring.dial, events)
	go client.Run(ctx)
	go handleMQTTEvents(ctx, client, events)

	<-ctx.Done()
}

func wireBridge() (*bridge.Handler, error) {
	opts := serial.OpenOptions{
		PortName:              *serialPath,
		BaudRate:              *baudRate,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
		MinimumReadSize:       1,
	}
	port, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open serial port: %w", err)
	}

	send := func(buf []byte) error {
		_, err := port.Write(buf)
		return err
	}
	notify := func(f bridge.Frame) {
		log.Printf("aicam-node: inbound %s cmd=%d id=%d len=%d", f.Type, f.Cmd, f.ID, len(f.Payload))
	}
	h := bridge.New(send, notify)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := port.Read(buf)
			if err != nil {
				log.Printf("aicam-node: bridging link read error: %v", err)
				return
			}
			if n > 0 {
				h.Feed(buf[:n])
			}
		}
	}()

	return h, nil
}

func wirePower() (*power.RailController, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	pins := map[power.Rail]gpio.PinIO{
		power.Rail3V3:    gpio.ByName(*rail3v3Pin),
		power.RailWiFi:   gpio.ByName(*railWifiPin),
		power.RailAON:    gpio.ByName(*railAonPin),
		power.RailN6Main: gpio.ByName(*railN6Pin),
		power.RailEXT:    gpio.ByName(*railExtPin),
	}
	rails, err := power.NewRailController(pins)
	if err != nil {
		return nil, err
	}
	rails.Set(power.DefaultRails)
	return rails, nil
}

// mqttWiring bundles the config and dialer wireMQTT built, so main can
// hand both to mqttclient.NewClient without re-reading flags.
type mqttWiring struct {
	cfg  mqttclient.Config
	dial mqttclient.Dialer
}

// wireMQTT builds the MQTT client config and dialer either from
// --mqtt-config (a JSON file covering spec.md §6's full configuration
// surface) or from the individual mqtt-*/ca-cert/client-cert flags.
func wireMQTT() (mqttWiring, error) {
	var cfg mqttclient.Config
	var tlsCfg *netcore.TLSConfig
	host, port := *mqttHost, *mqttPort

	if *mqttConfigPath != "" {
		fc, err := loadMQTTFileConfig(*mqttConfigPath)
		if err != nil {
			return mqttWiring{}, err
		}
		cfg, tlsCfg = fc.toClientConfig()
		if fc.Hostname != "" {
			host = fc.Hostname
		}
		if fc.Port != 0 {
			port = fc.Port
		}
	} else {
		if *caCertPath != "" || *clientCertPath != "" || *insecureTLS {
			tlsCfg = &netcore.TLSConfig{
				CACertPath:         *caCertPath,
				ClientCertPath:     *clientCertPath,
				ClientKeyPath:      *clientKeyPath,
				ServerName:         *tlsServerName,
				InsecureSkipVerify: *insecureTLS,
			}
		}
		cfg = mqttclient.Config{
			ClientID:          *mqttClientID,
			Username:          *mqttUsername,
			Password:          *mqttPassword,
			CleanSession:      true,
			KeepAlive:         60 * time.Second,
			ConnectTimeout:    10 * time.Second,
			ReconnectInterval: 5 * time.Second,
		}
	}

	if host == "" || cfg.ClientID == "" {
		return mqttWiring{}, fmt.Errorf("mqtt-host and mqtt-client-id (or an mqtt-config file supplying hostname/client_id) are required")
	}

	dial := func(ctx context.Context, timeout time.Duration) (mqttclient.Transport, error) {
		handle, err := netcore.Init(tlsCfg)
		if err != nil {
			return nil, err
		}
		if err := handle.Connect(ctx, host, port, timeout); err != nil {
			return nil, err
		}
		return handle, nil
	}

	return mqttWiring{cfg: cfg, dial: dial}, nil
}

// handleMQTTEvents logs every client event and, on each fresh connect,
// (re-)issues the inbound-command subscription — subscriptions don't
// survive a non-persistent session across reconnects.
func handleMQTTEvents(ctx context.Context, client *mqttclient.Client, events <-chan mqttclient.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case mqttclient.EventConnected:
				log.Println("aicam-node: MQTT connected")
				if _, err := client.Subscribe([]string{*mqttTopic}, []byte{1}); err != nil {
					log.Printf("aicam-node: subscribe failed: %v", err)
				}
			case mqttclient.EventDisconnected:
				log.Printf("aicam-node: MQTT disconnected: %v", ev.Err)
			case mqttclient.EventData:
				log.Printf("aicam-node: MQTT message on %s (%d bytes)", ev.Topic, len(ev.Payload))
			case mqttclient.EventPublished:
				log.Printf("aicam-node: publish %d acknowledged", ev.MsgID)
			case mqttclient.EventDeleted:
				log.Printf("aicam-node: outbox entry %d expired", ev.MsgID)
			case mqttclient.EventSubscribed:
				log.Printf("aicam-node: subscribe %d acknowledged", ev.MsgID)
			case mqttclient.EventUnsubscribed:
				log.Printf("aicam-node: unsubscribe %d acknowledged", ev.MsgID)
			}
		}
	}
}
