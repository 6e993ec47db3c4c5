package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"
)

// Credentials is a resolved login. It never prints its contents.
type Credentials struct {
	Login    string
	Password string
	Server   string
	Token    string
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("login", redact(c.Login)),
		slog.String("server", c.Server),
		slog.Bool("has_password", c.Password != ""),
		slog.Bool("has_token", c.Token != ""),
	)
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{login=%s server=%s}", redact(c.Login), c.Server)
}

func redact(s string) string {
	if len(s) <= 2 {
		return strings.Repeat("*", len(s))
	}
	return s[:1] + strings.Repeat("*", len(s)-2) + s[len(s)-1:]
}

// Resolver looks secrets up in the store first and then in the environment
// under Prefix+UPPER(name).
type Resolver struct {
	store  *Store
	prefix string
	getenv func(string) string
}

func NewResolver(store *Store, prefix string) *Resolver {
	return &Resolver{store: store, prefix: prefix, getenv: os.Getenv}
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func (r *Resolver) Lookup(name string) (string, error) {
	if r.store != nil {
		v, err := r.store.Get(name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	envName := r.prefix + strings.ToUpper(name)
	if v := strings.TrimSpace(r.getenv(envName)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s (env %s): %w", name, envName, ErrNotFound)
}

// Credentials resolves name and interprets it. A JSON object is read for
// login, password, server and token fields; any other value is taken as a
// bare token.
func (r *Resolver) Credentials(name string) (Credentials, error) {
	raw, err := r.Lookup(name)
	if err != nil {
		return Credentials{}, err
	}
	return parseCredentials(raw)
}

func parseCredentials(raw string) (Credentials, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "{") {
		return Credentials{Token: raw}, nil
	}
	if !gjson.Valid(raw) {
		return Credentials{}, errors.New("secret is not valid JSON")
	}

	doc := gjson.Parse(raw)
	creds := Credentials{
		Login:    doc.Get("login").String(),
		Password: doc.Get("password").String(),
		Server:   doc.Get("server").String(),
		Token:    doc.Get("token").String(),
	}
	if creds.Token == "" && creds.Login == "" {
		return Credentials{}, errors.New("secret JSON has neither token nor login")
	}
	return creds, nil
}
