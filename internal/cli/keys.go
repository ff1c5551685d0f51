package cli

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/edusync/eduauth/internal/config"
	"github.com/edusync/eduauth/jwt"
)

// loadVerifier returns the token verifier of the web shell, or nil when
// neither a shared secret nor a public key is configured. Tokens are then
// only checked by the auth service itself.
func loadVerifier(cfg config.JWT) (*jwt.Manager, error) {
	// AccessTTL only matters for issuing; verify-only managers still need one.
	jc := jwt.Config{
		AccessTTL: time.Hour,
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		Leeway:    30 * time.Second,
	}

	switch {
	case cfg.Secret != "":
		jc.SigningMethod = jwt.MethodHS256
		jc.PrivateKey = []byte(cfg.Secret)
	case cfg.PublicKeyFile != "":
		pemBytes, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		jc.SigningMethod = jwt.MethodEd25519
		jc.PublicKey = pemBytes
	default:
		return nil, nil
	}

	m, err := jwt.NewManager(jc)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}
	return m, nil
}

// loadSigner returns the signing manager of the auth stub. Without a secret
// or key file it generates an Ed25519 key and also returns its public half
// as PEM so the web shell can verify the tokens.
func loadSigner(cfg config.JWT, ttl time.Duration) (*jwt.Manager, []byte, error) {
	jc := jwt.Config{
		AccessTTL: ttl,
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
	}

	var publicPEM []byte
	switch {
	case cfg.Secret != "":
		jc.SigningMethod = jwt.MethodHS256
		jc.PrivateKey = []byte(cfg.Secret)
	case cfg.PrivateKeyFile != "":
		pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("read private key: %w", err)
		}
		jc.SigningMethod = jwt.MethodEd25519
		jc.PrivateKey = pemBytes
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("generate signing key: %w", err)
		}
		publicPEM, err = encodePublicKey(pub)
		if err != nil {
			return nil, nil, err
		}
		jc.SigningMethod = jwt.MethodEd25519
		jc.PrivateKey = priv
	}

	m, err := jwt.NewManager(jc)
	if err != nil {
		return nil, nil, fmt.Errorf("token signer: %w", err)
	}
	return m, publicPEM, nil
}

func encodePublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
