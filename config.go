package ftps

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// SecurityMode selects whether the control connection is upgraded to TLS.
type SecurityMode int

const (
	// SecurityPlain uses plain FTP on both control and data connections.
	SecurityPlain SecurityMode = iota

	// SecurityExplicitTLS upgrades the control connection with AUTH TLS
	// and protects every data connection with PROT P.
	SecurityExplicitTLS
)

// String returns the configuration-file spelling of the mode.
func (m SecurityMode) String() string {
	switch m {
	case SecurityPlain:
		return "plain"
	case SecurityExplicitTLS:
		return "explicit-tls"
	default:
		return "SecurityMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m SecurityMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SecurityMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "plain", "none", "":
		*m = SecurityPlain
	case "explicit-tls", "explicit", "tls", "ftps":
		*m = SecurityExplicitTLS
	default:
		return fmt.Errorf("unknown security mode %q", text)
	}
	return nil
}

// DataMode selects how data connections are negotiated.
type DataMode int

const (
	// DataModeEPSV uses EPSV (RFC 2428). The data host is always the
	// control connection host.
	DataModeEPSV DataMode = iota

	// DataModePASV uses PASV (RFC 959). The data host is taken from the reply.
	DataModePASV
)

// String returns the configuration-file spelling of the mode.
func (m DataMode) String() string {
	switch m {
	case DataModeEPSV:
		return "epsv"
	case DataModePASV:
		return "pasv"
	default:
		return "DataMode(" + strconv.Itoa(int(m)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m DataMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *DataMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "epsv", "":
		*m = DataModeEPSV
	case "pasv":
		*m = DataModePASV
	default:
		return fmt.Errorf("unknown data mode %q", text)
	}
	return nil
}

// Config describes one FTP session. A copy is taken when the client is
// created, so later changes have no effect on it.
type Config struct {
	Host     string
	Port     int // defaults to 21
	Username string
	Password string

	Security SecurityMode
	DataMode DataMode

	// InsecureSkipVerify accepts TLS certificates that cannot be verified,
	// on the control and data connections alike. It is the inverse of the
	// tls_reject_unauthorized configuration key.
	InsecureSkipVerify bool
}

// Addr returns the control connection address in "host:port" form.
func (cfg Config) Addr() string {
	port := cfg.Port
	if port == 0 {
		port = 21
	}
	return net.JoinHostPort(cfg.Host, strconv.Itoa(port))
}

// Validate reports whether the configuration can be used to connect.
func (cfg Config) Validate() error {
	if cfg.Host == "" {
		return errors.New("ftps: config: host is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("ftps: config: invalid port %d", cfg.Port)
	}
	switch cfg.Security {
	case SecurityPlain, SecurityExplicitTLS:
	default:
		return fmt.Errorf("ftps: config: invalid security mode %d", int(cfg.Security))
	}
	switch cfg.DataMode {
	case DataModeEPSV, DataModePASV:
	default:
		return fmt.Errorf("ftps: config: invalid data mode %d", int(cfg.DataMode))
	}
	return nil
}

// fileConfig is the on-disk layout of a session configuration.
type fileConfig struct {
	Host                  string       `toml:"host"`
	Port                  int          `toml:"port"`
	Username              string       `toml:"username"`
	Password              string       `toml:"password"`
	Security              SecurityMode `toml:"security"`
	DataMode              DataMode     `toml:"data_mode"`
	TLSRejectUnauthorized *bool        `toml:"tls_reject_unauthorized"`
}

// LoadConfig reads a session configuration from a TOML file:
//
//	host = "ftp.example.com"
//	port = 21
//	username = "user"
//	password = "secret"
//	security = "explicit-tls"        # or "plain"
//	data_mode = "epsv"               # or "pasv"
//	tls_reject_unauthorized = true   # default
//
// Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a TOML session configuration. See LoadConfig.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("invalid config: %s", strict.String())
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := &Config{
		Host:     fc.Host,
		Port:     fc.Port,
		Username: fc.Username,
		Password: fc.Password,
		Security: fc.Security,
		DataMode: fc.DataMode,
	}
	if fc.TLSRejectUnauthorized != nil {
		cfg.InsecureSkipVerify = !*fc.TLSRejectUnauthorized
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
