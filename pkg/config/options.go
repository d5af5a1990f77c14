package config

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ooni/minirfb/internal/access"
	"github.com/ooni/minirfb/internal/auth"
	"github.com/ooni/minirfb/internal/model"
	"github.com/ooni/minirfb/internal/session"
)

var (
	// ErrBadConfig is the generic error returned for invalid config files.
	ErrBadConfig = errors.New("config: bad config")
)

const (
	// DefaultPort is the port Veyon servers listen on.
	DefaultPort = 11100

	// DefaultPromptTimeout bounds the approval prompts.
	DefaultPromptTimeout = 30 * time.Second
)

// DesktopOptions describes the desktop sent in the server init message.
type DesktopOptions struct {
	Width  uint16 `yaml:"width"`
	Height uint16 `yaml:"height"`
	Name   string `yaml:"name"`
}

// AuthOptions selects the authentication methods and their credentials.
type AuthOptions struct {
	// Methods are the advertised methods, in order (e.g., "logon", "token").
	Methods []string `yaml:"methods"`

	// HostWhiteList contains the networks (CIDR or addresses) accepted
	// by the hostwhitelist method.
	HostWhiteList []string `yaml:"host-whitelist"`

	// Token is the shared token of the token method.
	Token string `yaml:"token"`

	// Users maps user names to bcrypt hashes for the logon method.
	Users map[string]string `yaml:"users"`

	// Keys maps user names to PEM encoded ed25519 public key files for
	// the keyfile method. Relative paths are resolved against the config
	// file directory.
	Keys map[string]string `yaml:"keys"`
}

// RuleOptions is a single access control rule.
type RuleOptions struct {
	Action string   `yaml:"action"`
	Users  []string `yaml:"users"`
	Hosts  []string `yaml:"hosts"`
}

// AccessOptions configures the access control.
type AccessOptions struct {
	Rules         []RuleOptions `yaml:"rules"`
	DefaultAction string        `yaml:"default-action"`
	PromptTimeout time.Duration `yaml:"prompt-timeout"`
}

// ServerOptions contains the options of the server, usually parsed
// from a YAML file.
type ServerOptions struct {
	// Listen is the TCP endpoint to listen on.
	Listen string `yaml:"listen"`

	// WebSocket is an optional endpoint serving websocket clients.
	WebSocket string `yaml:"websocket"`

	// MaxClients caps the concurrent connections of each listener. Zero
	// means no limit.
	MaxClients int `yaml:"max-clients"`

	Desktop DesktopOptions `yaml:"desktop"`
	Auth    AuthOptions    `yaml:"auth"`
	Access  AccessOptions  `yaml:"access"`

	// dir is the directory of the config file, if any.
	dir string
}

// DefaultServerOptions returns options accepting anybody on the
// loopback interface, after asking.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		Listen: net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultPort)),
		Desktop: DesktopOptions{
			Width:  1024,
			Height: 768,
			Name:   "minirfb",
		},
		Auth: AuthOptions{
			Methods: []string{model.AuthTypeNone.String()},
		},
		Access: AccessOptions{
			DefaultAction: access.ActionAsk.String(),
			PromptTimeout: DefaultPromptTimeout,
		},
	}
}

// ReadConfigFile reads the YAML file at filePath and returns the
// validated options.
func ReadConfigFile(filePath string) (*ServerOptions, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	return ParseConfig(data, filepath.Dir(filePath))
}

// ParseConfig parses YAML options on top of [DefaultServerOptions],
// resolving relative paths against dir.
func ParseConfig(data []byte, dir string) (*ServerOptions, error) {
	opts := DefaultServerOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	opts.dir = dir
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// Validate returns an error wrapping [ErrBadConfig] if the options
// cannot be used to build a server.
func (o *ServerOptions) Validate() error {
	if o.Listen == "" && o.WebSocket == "" {
		return fmt.Errorf("%w: nothing to listen on", ErrBadConfig)
	}
	if o.MaxClients < 0 {
		return fmt.Errorf("%w: negative max-clients", ErrBadConfig)
	}
	if _, err := o.ServerInit().Marshal(); err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	if _, err := o.AuthMethods(); err != nil {
		return err
	}
	if _, err := o.AccessConfig(); err != nil {
		return err
	}
	return nil
}

// ServerInit returns the server init message describing the desktop.
func (o *ServerOptions) ServerInit() *session.ServerInit {
	return &session.ServerInit{
		Width:       o.Desktop.Width,
		Height:      o.Desktop.Height,
		PixelFormat: session.DefaultPixelFormat,
		Name:        o.Desktop.Name,
	}
}

// AuthMethods builds the configured authentication methods.
func (o *ServerOptions) AuthMethods() ([]auth.Method, error) {
	if len(o.Auth.Methods) <= 0 {
		return nil, fmt.Errorf("%w: no auth methods", ErrBadConfig)
	}
	methods := []auth.Method{}
	for _, name := range o.Auth.Methods {
		at, err := model.NewAuthTypeFromString(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
		}
		method, err := o.newAuthMethod(at)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, nil
}

func (o *ServerOptions) newAuthMethod(at model.AuthType) (auth.Method, error) {
	switch at {
	case model.AuthTypeNone:
		return auth.None{}, nil

	case model.AuthTypeHostWhiteList:
		networks, err := parsePrefixes(o.Auth.HostWhiteList)
		if err != nil {
			return nil, err
		}
		if len(networks) <= 0 {
			return nil, fmt.Errorf("%w: empty host-whitelist", ErrBadConfig)
		}
		return &auth.HostWhiteList{Networks: networks}, nil

	case model.AuthTypeToken:
		if o.Auth.Token == "" {
			return nil, fmt.Errorf("%w: empty token", ErrBadConfig)
		}
		return &auth.Token{Token: o.Auth.Token}, nil

	case model.AuthTypeLogon:
		if len(o.Auth.Users) <= 0 {
			return nil, fmt.Errorf("%w: no users for logon", ErrBadConfig)
		}
		users := make(map[string][]byte)
		for name, hash := range o.Auth.Users {
			users[name] = []byte(hash)
		}
		return &auth.Logon{Users: users}, nil

	case model.AuthTypeKeyFile:
		if len(o.Auth.Keys) <= 0 {
			return nil, fmt.Errorf("%w: no keys for keyfile", ErrBadConfig)
		}
		keys := make(map[string]ed25519.PublicKey)
		for name, path := range o.Auth.Keys {
			key, err := o.readPublicKey(path)
			if err != nil {
				return nil, err
			}
			keys[name] = key
		}
		return &auth.KeyFile{Keys: keys}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported auth method %s", ErrBadConfig, at)
	}
}

func (o *ServerOptions) readPublicKey(path string) (ed25519.PublicKey, error) {
	if !filepath.IsAbs(path) && o.dir != "" {
		path = filepath.Join(o.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s: no PEM data", ErrBadConfig, path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrBadConfig, path, err.Error())
	}
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not an ed25519 key", ErrBadConfig, path)
	}
	return edKey, nil
}

// AccessConfig builds the access control configuration. The caller
// provides the [access.Approver], if any.
func (o *ServerOptions) AccessConfig() (access.Config, error) {
	cfg := access.Config{PromptTimeout: o.Access.PromptTimeout}
	if cfg.PromptTimeout < 0 {
		return cfg, fmt.Errorf("%w: negative prompt-timeout", ErrBadConfig)
	}
	defaultAction, err := access.NewActionFromString(o.Access.DefaultAction)
	if err != nil {
		return cfg, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
	}
	cfg.DefaultAction = defaultAction
	for _, ro := range o.Access.Rules {
		action, err := access.NewActionFromString(ro.Action)
		if err != nil {
			return cfg, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
		}
		hosts, err := parsePrefixes(ro.Hosts)
		if err != nil {
			return cfg, err
		}
		cfg.Rules = append(cfg.Rules, access.Rule{
			Action: action,
			Users:  ro.Users,
			Hosts:  hosts,
		})
	}
	return cfg, nil
}

// parsePrefixes parses networks in CIDR notation or single addresses.
func parsePrefixes(entries []string) ([]netip.Prefix, error) {
	out := []netip.Prefix{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadConfig, err.Error())
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}
