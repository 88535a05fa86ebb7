// Package config loads the courage CLI configuration from YAML.
//
// A minimal file:
//
//	broker:
//	  dsn: courages://broker.example:7443?provider=2f0c...
//	credentials:
//	  public_key_file: device.pub
//	  private_key_file: device.key
//	channels:
//	  - id: 11111111-1111-1111-1111-111111111111
//	    name: alerts
//
// Relative key and CA file paths are resolved against the directory of the
// configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/newtricks/courage-go/pkg/client"
	"github.com/newtricks/courage-go/pkg/transport"
	"github.com/newtricks/courage-go/pkg/wire"
)

// File is the configuration file layout.
type File struct {
	Broker      Broker      `yaml:"broker"`
	ProviderID  string      `yaml:"provider_id,omitempty"`
	DeviceID    string      `yaml:"device_id,omitempty"`
	Credentials Credentials `yaml:"credentials"`
	Options     string      `yaml:"options,omitempty"`
	Protocol    *Protocol   `yaml:"protocol,omitempty"`
	Channels    []Channel   `yaml:"channels,omitempty"`
	StateFile   string      `yaml:"state_file,omitempty"`
	Log         Log         `yaml:"log"`
	Metrics     Metrics     `yaml:"metrics"`

	// dir is the directory relative paths are resolved against.
	dir string
}

// Broker locates the broker. DSN takes precedence over the other fields.
type Broker struct {
	DSN         string        `yaml:"dsn,omitempty"`
	Host        string        `yaml:"host,omitempty"`
	Port        uint16        `yaml:"port,omitempty"`
	TLS         TLS           `yaml:"tls"`
	AuthTimeout time.Duration `yaml:"auth_timeout,omitempty"`
}

// TLS configures transport security.
type TLS struct {
	Enabled            bool   `yaml:"enabled"`
	CAFile             string `yaml:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// Credentials holds the device key pair, inline or as file paths.
type Credentials struct {
	PublicKey      string `yaml:"public_key,omitempty"`
	PrivateKey     string `yaml:"private_key,omitempty"`
	PublicKeyFile  string `yaml:"public_key_file,omitempty"`
	PrivateKeyFile string `yaml:"private_key_file,omitempty"`
}

// Protocol overrides wire constants. Unset opcodes keep their defaults.
type Protocol struct {
	PrefixWidth uint8            `yaml:"prefix_width,omitempty"`
	Opcodes     map[string]uint8 `yaml:"opcodes,omitempty"`
}

// Channel is a channel to subscribe to or replay.
type Channel struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// Log configures logging.
type Log struct {
	// Level is the slog level: debug, info, warn or error (default: info).
	Level string `yaml:"level,omitempty"`

	// ProtocolFile is a path for the CBOR protocol capture (optional).
	ProtocolFile string `yaml:"protocol_file,omitempty"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Listen is the address of the /metrics endpoint, e.g. ":9090".
	// Empty disables the endpoint.
	Listen string `yaml:"listen,omitempty"`
}

// LoadError describes a configuration that could not be loaded.
type LoadError struct {
	// File is the path to the file that failed to load.
	File string

	// Message describes the error.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *LoadError) Error() string {
	msg := e.Message
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Parse parses configuration from YAML bytes. Relative paths resolve
// against the working directory.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &LoadError{Message: "failed to parse YAML", Cause: err}
	}
	if f.Broker.DSN == "" && f.Broker.Host == "" {
		return nil, &LoadError{Message: "broker dsn or host is required"}
	}
	return &f, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}
	f, err := Parse(data)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.File = path
		}
		return nil, err
	}
	f.dir = filepath.Dir(path)
	return f, nil
}

func (f *File) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || f.dir == "" {
		return path
	}
	return filepath.Join(f.dir, path)
}

// ClientConfig builds a client configuration. Loggers, metrics and
// callbacks are left for the caller to set.
func (f *File) ClientConfig() (client.Config, error) {
	var cfg client.Config
	if f.Broker.DSN != "" {
		parsed, err := client.ParseDSN(f.Broker.DSN)
		if err != nil {
			return cfg, &LoadError{Message: "broker.dsn", Cause: err}
		}
		cfg = parsed
	} else {
		cfg = client.DefaultConfig()
		cfg.Host = f.Broker.Host
		if f.Broker.Port != 0 {
			cfg.Port = f.Broker.Port
		}
	}
	if f.Broker.AuthTimeout > 0 {
		cfg.AuthTimeout = f.Broker.AuthTimeout
	}

	tlsConf, err := f.tlsConfig(cfg.TLS)
	if err != nil {
		return cfg, err
	}
	cfg.TLS = tlsConf

	if f.ProviderID != "" {
		if cfg.ProviderID, err = uuid.Parse(f.ProviderID); err != nil {
			return cfg, &LoadError{Message: "provider_id", Cause: err}
		}
	}
	if f.DeviceID != "" {
		if cfg.DeviceID, err = uuid.Parse(f.DeviceID); err != nil {
			return cfg, &LoadError{Message: "device_id", Cause: err}
		}
	}
	if f.Options != "" {
		if cfg.Options, err = wire.ParseOptions(f.Options); err != nil {
			return cfg, &LoadError{Message: "options", Cause: err}
		}
	}
	if f.Protocol != nil {
		if cfg.Protocol, err = f.Protocol.build(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (f *File) tlsConfig(fromDSN *transport.TLSConfig) (*transport.TLSConfig, error) {
	t := f.Broker.TLS
	if !t.Enabled && fromDSN == nil {
		return nil, nil
	}
	conf := &transport.TLSConfig{}
	if fromDSN != nil {
		*conf = *fromDSN
	}
	if t.ServerName != "" {
		conf.ServerName = t.ServerName
	}
	conf.InsecureSkipVerify = conf.InsecureSkipVerify || t.InsecureSkipVerify
	if t.CAFile != "" {
		pool, err := transport.LoadCertPool(f.resolve(t.CAFile))
		if err != nil {
			return nil, &LoadError{Message: "broker.tls.ca_file", Cause: err}
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// KeyPair returns the public and private key, reading key files if set.
// Surrounding whitespace in key files is trimmed.
func (f *File) KeyPair() (publicKey, privateKey string, err error) {
	c := f.Credentials
	publicKey, privateKey = c.PublicKey, c.PrivateKey
	if c.PublicKeyFile != "" {
		if publicKey, err = f.readKey(c.PublicKeyFile); err != nil {
			return "", "", err
		}
	}
	if c.PrivateKeyFile != "" {
		if privateKey, err = f.readKey(c.PrivateKeyFile); err != nil {
			return "", "", err
		}
	}
	return publicKey, privateKey, nil
}

func (f *File) readKey(path string) (string, error) {
	path = f.resolve(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &LoadError{File: path, Message: "failed to read key", Cause: err}
	}
	return strings.TrimSpace(string(data)), nil
}

// ChannelIDs parses the configured channel ids.
func (f *File) ChannelIDs() ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(f.Channels))
	for i, ch := range f.Channels {
		id, err := uuid.Parse(ch.ID)
		if err != nil {
			return nil, &LoadError{Message: fmt.Sprintf("channels[%d].id", i), Cause: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// StatePath returns the state file path, resolved against the
// configuration directory.
func (f *File) StatePath() string {
	return f.resolve(f.StateFile)
}

// ProtocolLogPath returns the protocol capture path, or "".
func (f *File) ProtocolLogPath() string {
	return f.resolve(f.Log.ProtocolFile)
}

func (p *Protocol) build() (wire.Protocol, error) {
	proto := wire.DefaultProtocol()
	if p.PrefixWidth != 0 {
		proto.Prefix = wire.PrefixWidth(p.PrefixWidth)
	}
	for name, value := range p.Opcodes {
		op := wire.Opcode(value)
		switch strings.ToLower(name) {
		case "authenticate":
			proto.Opcodes.Authenticate = op
		case "subscribe":
			proto.Opcodes.Subscribe = op
		case "goodbye":
			proto.Opcodes.Goodbye = op
		case "auth_accepted":
			proto.Opcodes.AuthAccepted = op
		case "auth_rejected":
			proto.Opcodes.AuthRejected = op
		case "subscribe_ack":
			proto.Opcodes.SubscribeAck = op
		case "event":
			proto.Opcodes.Event = op
		case "replay_complete":
			proto.Opcodes.ReplayComplete = op
		case "channel_error":
			proto.Opcodes.ChannelError = op
		default:
			return proto, &LoadError{Message: fmt.Sprintf("protocol.opcodes: unknown message %q", name)}
		}
	}
	if err := proto.Validate(); err != nil {
		return proto, &LoadError{Message: "protocol", Cause: err}
	}
	return proto, nil
}
