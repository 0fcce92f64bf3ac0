package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fieldcam/aicam-node/mqttclient"
	"github.com/fieldcam/aicam-node/netcore"
)

// mqttFileConfig is the JSON-loadable form of spec.md §6's MQTT
// configuration surface. Field names mirror the spec's own naming
// rather than Go convention, since this is a wire/file format other
// tooling may generate.
type mqttFileConfig struct {
	ProtocolVer  byte   `json:"protocol_ver"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
	ClientID     string `json:"client_id"`
	CleanSession *bool  `json:"clean_session"`
	KeepaliveSec int    `json:"keepalive"`

	Username       string `json:"username"`
	Password       string `json:"password"`
	CACertPath     string `json:"ca_cert_path"`
	CACertPEM      string `json:"ca_cert_pem"`
	ClientCertPath string `json:"client_cert_path"`
	ClientCertPEM  string `json:"client_cert_pem"`
	ClientKeyPath  string `json:"client_key_path"`
	ClientKeyPEM   string `json:"client_key_pem"`
	VerifyHostname *bool  `json:"verify_hostname"`
	TLSServerName  string `json:"tls_server_name"`

	WillTopic  string `json:"will_topic"`
	WillMsg    string `json:"will_msg"`
	WillQos    byte   `json:"will_qos"`
	WillRetain bool   `json:"will_retain"`

	DisableAutoReconnect   bool `json:"disable_auto_reconnect"`
	OutboxLimit            int  `json:"outbox_limit"`
	OutboxResendIntervalMs int  `json:"outbox_resend_interval_ms"`
	OutboxExpiredTimeoutMs int  `json:"outbox_expired_timeout_ms"`
	ReconnectIntervalMs    int  `json:"reconnect_interval_ms"`
	TimeoutMs              int  `json:"timeout_ms"`
	PingTries              int  `json:"ping_tries"`
}

// loadMQTTFileConfig reads and parses a JSON configuration file
// matching spec.md §6's configuration surface. Unlike the CLI flags,
// this is the one path wide enough to carry the full surface
// (last-will, raw PEM buffers, per-field network tunables) in one
// place, for deployments that provision nodes by dropping a config
// file rather than templating a command line.
func loadMQTTFileConfig(path string) (*mqttFileConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mqtt config %s: %w", path, err)
	}
	var fc mqttFileConfig
	if err := json.Unmarshal(buf, &fc); err != nil {
		return nil, fmt.Errorf("parse mqtt config %s: %w", path, err)
	}
	return &fc, nil
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// toClientConfig builds the mqttclient.Config and netcore.TLSConfig
// an mqttFileConfig describes. clean_session and verify_hostname
// default to true when absent; other fields left unset in the file are
// passed through as zero and filled in by mqttclient.NewClient's
// Config.withDefaults.
func (fc *mqttFileConfig) toClientConfig() (mqttclient.Config, *netcore.TLSConfig) {
	cleanSession := true
	if fc.CleanSession != nil {
		cleanSession = *fc.CleanSession
	}

	cfg := mqttclient.Config{
		ClientID:             fc.ClientID,
		Username:             fc.Username,
		Password:             fc.Password,
		CleanSession:         cleanSession,
		ProtocolVersion:      fc.ProtocolVer,
		KeepAlive:            time.Duration(fc.KeepaliveSec) * time.Second,
		ConnectTimeout:       millis(fc.TimeoutMs),
		ReconnectInterval:    millis(fc.ReconnectIntervalMs),
		DisableAutoReconnect: fc.DisableAutoReconnect,
		OutboxResend:         millis(fc.OutboxResendIntervalMs),
		OutboxExpire:         millis(fc.OutboxExpiredTimeoutMs),
		OutboxLimit:          fc.OutboxLimit,
		PingTries:            fc.PingTries,
	}
	if fc.WillTopic != "" {
		cfg.Will = &mqttclient.Will{
			Topic:   fc.WillTopic,
			Message: []byte(fc.WillMsg),
			Qos:     fc.WillQos,
			Retain:  fc.WillRetain,
		}
	}

	var tlsCfg *netcore.TLSConfig
	verifyHostname := true
	if fc.VerifyHostname != nil {
		verifyHostname = *fc.VerifyHostname
	}
	if fc.CACertPath != "" || fc.CACertPEM != "" || fc.ClientCertPath != "" || fc.ClientCertPEM != "" || !verifyHostname {
		tlsCfg = &netcore.TLSConfig{
			CACertPath:         fc.CACertPath,
			CACertPEM:          []byte(fc.CACertPEM),
			ClientCertPath:     fc.ClientCertPath,
			ClientCertPEM:      []byte(fc.ClientCertPEM),
			ClientKeyPath:      fc.ClientKeyPath,
			ClientKeyPEM:       []byte(fc.ClientKeyPEM),
			ServerName:         fc.TLSServerName,
			InsecureSkipVerify: !verifyHostname,
		}
	}

	return cfg, tlsCfg
}
