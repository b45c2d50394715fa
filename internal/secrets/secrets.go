// Package secrets resolves PostGIS credentials, either from AWS Secrets
// Manager or from a static DATABASE_URL.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"geoingest/internal/ingesterrors"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	defaultPort     = 5432
)

type Credentials struct {
	Username string
	Password string
	Host     string
	Port     int
	DBName   string
	// SSLMode is passed through to the DSN when set.
	SSLMode string
}

// String never includes the password.
func (c Credentials) String() string {
	return fmt.Sprintf("postgres://%s:***@%s/%s", c.Username, c.hostPort(), c.DBName)
}

func (c Credentials) GoString() string { return c.String() }

func (c Credentials) hostPort() string {
	port := c.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c Credentials) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.hostPort(),
		Path:   "/" + c.DBName,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

// Fingerprint identifies a credential set without exposing it.
func (c Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.DSN()))
	return hex.EncodeToString(sum[:8])
}

func (c Credentials) validate() error {
	var missing []string
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.DBName == "" {
		missing = append(missing, "dbname")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

type Resolver interface {
	Resolve(ctx context.Context) (Credentials, error)
	// Invalidate drops any cached value so the next Resolve re-fetches.
	Invalidate()
}

// SecretGetter is the subset of *secretsmanager.Client the resolver needs.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsManagerResolver struct {
	client   SecretGetter
	secretID string
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	cached    Credentials
	expiresAt time.Time
	valid     bool
}

func NewSecretsManagerResolver(client SecretGetter, secretID string, ttl time.Duration) *SecretsManagerResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &SecretsManagerResolver{
		client:   client,
		secretID: secretID,
		ttl:      ttl,
		now:      time.Now,
	}
}

func (r *SecretsManagerResolver) Resolve(ctx context.Context) (Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.valid && r.now().Before(r.expiresAt) {
		return r.cached, nil
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(r.secretID),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Credentials{}, ingesterrors.Wrap(ingesterrors.KindTimeout, "fetch database secret timed out", err)
		}
		return Credentials{}, ingesterrors.Wrap(ingesterrors.KindCredentialUnavailable, "fetch database secret", err)
	}
	if out.SecretString == nil {
		return Credentials{}, ingesterrors.New(ingesterrors.KindCredentialUnavailable, "database secret has no string value")
	}

	creds, err := ParseSecret([]byte(*out.SecretString))
	if err != nil {
		return Credentials{}, err
	}

	r.cached = creds
	r.expiresAt = r.now().Add(r.ttl)
	r.valid = true
	return creds, nil
}

func (r *SecretsManagerResolver) Invalidate() {
	r.mu.Lock()
	r.valid = false
	r.cached = Credentials{}
	r.mu.Unlock()
}

type secretPayload struct {
	Username string      `json:"username"`
	Password string      `json:"password"`
	Host     string      `json:"host"`
	Port     json.Number `json:"port"`
	DBName   string      `json:"dbname"`
	SSLMode  string      `json:"sslmode"`
}

// ParseSecret decodes the RDS-style secret document. Port may be a number or a
// numeric string.
func ParseSecret(raw []byte) (Credentials, error) {
	var payload secretPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// The decoder error can quote secret contents; keep it out of the message.
		return Credentials{}, ingesterrors.New(ingesterrors.KindCredentialUnavailable, "database secret is not valid JSON")
	}

	creds := Credentials{
		Username: payload.Username,
		Password: payload.Password,
		Host:     payload.Host,
		DBName:   payload.DBName,
		SSLMode:  payload.SSLMode,
		Port:     defaultPort,
	}
	if payload.Port != "" {
		port, err := strconv.Atoi(payload.Port.String())
		if err != nil || port <= 0 || port > 65535 {
			return Credentials{}, ingesterrors.Newf(ingesterrors.KindCredentialUnavailable, "database secret has invalid port %q", payload.Port.String())
		}
		creds.Port = port
	}
	if err := creds.validate(); err != nil {
		return Credentials{}, ingesterrors.Wrap(ingesterrors.KindCredentialUnavailable, "database secret incomplete", err)
	}
	return creds, nil
}

// StaticResolver serves fixed credentials, typically parsed from DATABASE_URL.
type StaticResolver struct {
	creds Credentials
}

func NewStaticResolver(databaseURL string) (*StaticResolver, error) {
	creds, err := ParseDatabaseURL(databaseURL)
	if err != nil {
		return nil, err
	}
	return &StaticResolver{creds: creds}, nil
}

func (r *StaticResolver) Resolve(context.Context) (Credentials, error) { return r.creds, nil }

func (r *StaticResolver) Invalidate() {}

func ParseDatabaseURL(raw string) (Credentials, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Credentials{}, ingesterrors.New(ingesterrors.KindCredentialUnavailable, "DATABASE_URL is not a valid URL")
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return Credentials{}, ingesterrors.Newf(ingesterrors.KindCredentialUnavailable, "DATABASE_URL scheme %q is not postgres", u.Scheme)
	}

	creds := Credentials{
		Host:    u.Hostname(),
		DBName:  strings.TrimPrefix(u.Path, "/"),
		Port:    defaultPort,
		SSLMode: u.Query().Get("sslmode"),
	}
	if u.User != nil {
		creds.Username = u.User.Username()
		creds.Password, _ = u.User.Password()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Credentials{}, ingesterrors.Newf(ingesterrors.KindCredentialUnavailable, "DATABASE_URL has invalid port %q", p)
		}
		creds.Port = port
	}
	if err := creds.validate(); err != nil {
		return Credentials{}, ingesterrors.Wrap(ingesterrors.KindCredentialUnavailable, "DATABASE_URL incomplete", err)
	}
	return creds, nil
}
