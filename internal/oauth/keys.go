package oauth

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

// KeyManager holds the RSA key used to sign authorization state.
type KeyManager struct {
	privateKey *rsa.PrivateKey
	kid        string
}

// LoadKeyManager loads an RSA private key from a PEM value or a file path.
// It returns nil without error when neither is set.
func LoadKeyManager(pemValue, path string) (*KeyManager, error) {
	if pemValue == "" && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read OAUTH_PRIVATE_KEY_PATH: %w", err)
		}
		pemValue = string(data)
	}
	if pemValue == "" {
		return nil, nil
	}
	pemValue = strings.ReplaceAll(pemValue, `\n`, "\n")

	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, fmt.Errorf("invalid private key PEM")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		key = rsaKey
	} else {
		return nil, fmt.Errorf("unable to parse RSA private key")
	}
	return NewKeyManager(key)
}

// NewKeyManager wraps an already parsed key.
func NewKeyManager(key *rsa.PrivateKey) (*KeyManager, error) {
	kid, err := computeKID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyManager{privateKey: key, kid: kid}, nil
}

func (k *KeyManager) PrivateKey() *rsa.PrivateKey {
	return k.privateKey
}

func (k *KeyManager) PublicKey() *rsa.PublicKey {
	return &k.privateKey.PublicKey
}

func (k *KeyManager) KID() string {
	return k.kid
}

func computeKID(pub *rsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
