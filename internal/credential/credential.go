// Package credential resolves exchange API credentials on demand. Secrets
// are read from the environment and never persisted.
package credential

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

var ErrNoCredentials = errors.New("credential: not configured")

type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.APISecret == ""
}

// Provider 凭证来源。
type Provider interface {
	Get(ctx context.Context, ref string) (Credentials, error)
}

// Env reads <PREFIX>_<REF>_API_KEY, _API_SECRET and _PASSPHRASE.
type Env struct {
	prefix string
	lookup func(string) (string, bool)
}

func NewEnv(prefix string) *Env {
	prefix = strings.ToUpper(strings.Trim(strings.TrimSpace(prefix), "_"))
	if prefix == "" {
		prefix = "FEEDHUB"
	}
	return &Env{prefix: prefix, lookup: os.LookupEnv}
}

func (e *Env) Get(_ context.Context, ref string) (Credentials, error) {
	ref = envToken(ref)
	if ref == "" {
		return Credentials{}, ErrNoCredentials
	}
	base := e.prefix + "_" + ref + "_"
	creds := Credentials{
		APIKey:     e.value(base + "API_KEY"),
		APISecret:  e.value(base + "API_SECRET"),
		Passphrase: e.value(base + "PASSPHRASE"),
	}
	if creds.Empty() {
		return Credentials{}, ErrNoCredentials
	}
	return creds, nil
}

func (e *Env) value(name string) string {
	v, _ := e.lookup(name)
	return strings.TrimSpace(v)
}

func envToken(ref string) string {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, ref)
}

// LoadDotEnv 把 .env 文件载入进程环境变量，文件不存在则跳过，已有变量优先。
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return err
		}
	}
	return nil
}

// Static 返回固定凭证，用于测试和沙盒环境。
type Static map[string]Credentials

func (s Static) Get(_ context.Context, ref string) (Credentials, error) {
	c, ok := s[ref]
	if !ok || c.Empty() {
		return Credentials{}, ErrNoCredentials
	}
	return c, nil
}
