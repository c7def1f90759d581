package credential

import (
	"strings"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

const defaultKeyringKey = "api-token"

// KeyringProvider reads the bearer token from the operating system keyring,
// where the host application stores it after login.
type KeyringProvider struct {
	serviceName string
	key         string
	open        func() (keyring.Keyring, error)
}

func NewKeyringProvider(serviceName, key string) *KeyringProvider {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = "notisync"
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultKeyringKey
	}
	p := &KeyringProvider{serviceName: serviceName, key: key}
	p.open = func() (keyring.Keyring, error) {
		return keyring.Open(keyring.Config{
			ServiceName: p.serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
		})
	}
	return p
}

func (p *KeyringProvider) Credentials() (Credentials, error) {
	ring, err := p.open()
	if err != nil {
		return Credentials{}, errors.Wrap(err, "opening keyring")
	}
	item, err := ring.Get(p.key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Credentials{}, ErrNoCredentials
		}
		return Credentials{}, errors.Wrapf(err, "reading keyring item %q", p.key)
	}
	return FromToken(string(item.Data))
}
