// Package credentials resolves database connection secrets from a reference
// string. Secrets are read once at startup and never written into records.
//
// Supported references:
//
//	env:LEDGER_DB       reads LEDGER_DB_HOST, LEDGER_DB_PORT, ... from the environment
//	LEDGER_DB           same as env:LEDGER_DB
//	file:/run/secret    reads a JSON secret {host, port, dbname, username, password}
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ErrMissingCredential is returned when a secret lacks a required field or a
// reference cannot be resolved at all.
var ErrMissingCredential = errors.New("credentials: missing required credential")

// ConnectionInfo is a resolved database secret.
type ConnectionInfo struct {
	Host     string `json:"host" env:"HOST"`
	Port     int    `json:"port" env:"PORT" envDefault:"5432"`
	DBName   string `json:"dbname" env:"DBNAME"`
	Username string `json:"username" env:"USERNAME"`
	Password string `json:"password" env:"PASSWORD"`
	SSLMode  string `json:"sslmode,omitempty" env:"SSLMODE" envDefault:"require"`
}

// Validate reports every missing required field.
func (c ConnectionInfo) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.DBName) == "" {
		missing = append(missing, "dbname")
	}
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingCredential, strings.Join(missing, ", "))
	}
	return nil
}

// PostgresURL renders the secret as a pgx connection string.
func (c ConnectionInfo) PostgresURL() string {
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "require"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(port)),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}

// String omits the password so ConnectionInfo is safe to log.
func (c ConnectionInfo) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.Username, c.Host, c.Port, c.DBName)
}

// Provider resolves a reference into connection details.
type Provider interface {
	Get(ctx context.Context, reference string) (ConnectionInfo, error)
}

// EnvProvider reads <REFERENCE>_HOST, _PORT, _DBNAME, _USERNAME, _PASSWORD and
// _SSLMODE. Environment overrides the process environment when non-nil.
type EnvProvider struct {
	Environment map[string]string
}

// Get implements Provider.
func (p EnvProvider) Get(_ context.Context, reference string) (ConnectionInfo, error) {
	prefix := strings.ToUpper(strings.TrimSpace(reference))
	if prefix == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: empty environment prefix", ErrMissingCredential)
	}

	var info ConnectionInfo
	opts := env.Options{Prefix: prefix + "_", Environment: p.Environment}
	if err := env.ParseWithOptions(&info, opts); err != nil {
		return ConnectionInfo{}, fmt.Errorf("parse %s_* environment: %w", prefix, err)
	}
	if err := info.Validate(); err != nil {
		return ConnectionInfo{}, fmt.Errorf("%s_*: %w", prefix, err)
	}
	return info, nil
}

// FileProvider reads a JSON secret document from the path in the reference.
type FileProvider struct{}

// Get implements Provider.
func (FileProvider) Get(_ context.Context, path string) (ConnectionInfo, error) {
	if strings.TrimSpace(path) == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: empty secret path", ErrMissingCredential)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ConnectionInfo{}, fmt.Errorf("%w: secret file %s does not exist", ErrMissingCredential, path)
	}
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("read secret file: %w", err)
	}

	info, err := parseSecret(data)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("parse secret file %s: %w", path, err)
	}
	if err := info.Validate(); err != nil {
		return ConnectionInfo{}, fmt.Errorf("secret file %s: %w", path, err)
	}
	return info, nil
}

// parseSecret accepts the port as either a JSON number or a string.
func parseSecret(data []byte) (ConnectionInfo, error) {
	var raw struct {
		ConnectionInfo
		Port json.RawMessage `json:"port"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ConnectionInfo{}, err
	}
	info := raw.ConnectionInfo
	if len(raw.Port) > 0 && string(raw.Port) != "null" {
		s := strings.Trim(string(raw.Port), `"`)
		port, err := strconv.Atoi(s)
		if err != nil {
			return ConnectionInfo{}, fmt.Errorf("invalid port %s", raw.Port)
		}
		info.Port = port
	}
	return info, nil
}

// ProviderFor picks a provider by reference scheme and returns the reference
// with the scheme stripped.
func ProviderFor(reference string) (Provider, string, error) {
	scheme, rest, found := strings.Cut(reference, ":")
	if !found {
		return EnvProvider{}, reference, nil
	}
	switch scheme {
	case "env":
		return EnvProvider{}, rest, nil
	case "file":
		return FileProvider{}, rest, nil
	default:
		return nil, "", fmt.Errorf("unsupported credential reference scheme %q", scheme)
	}
}

// Resolve looks up reference with the matching provider.
func Resolve(ctx context.Context, reference string) (ConnectionInfo, error) {
	p, ref, err := ProviderFor(reference)
	if err != nil {
		return ConnectionInfo{}, err
	}
	return p.Get(ctx, ref)
}
