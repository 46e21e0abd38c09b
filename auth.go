package gnats

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/nats-io/nkeys"
)

// Credentials is the closed set of authentication modes:
// NoAuth, UserPass, Token, NKeySeed, NKeySigner and JWTCreds.
// Credentials are resolved once when the client is created.
type Credentials interface {
	resolve() (*authMaterial, error)
}

// SignFunc signs the server nonce with a private key held elsewhere.
type SignFunc func(nonce []byte) ([]byte, error)

// NoAuth sends no credentials unless the server URL carries user info.
type NoAuth struct{}

// UserPass authenticates with a username and password.
type UserPass struct {
	User     string
	Password string
}

// Token authenticates with a bearer token.
type Token struct {
	Token string
}

// NKeySeed authenticates by signing the server nonce with a user seed.
// Seed takes precedence over SeedFile.
type NKeySeed struct {
	SeedFile string
	Seed     []byte
}

// NKeySigner authenticates with a public NKEY and an external signer.
type NKeySigner struct {
	PublicKey string
	Sign      SignFunc
}

// JWTCreds authenticates with a user JWT and the seed that signs the nonce.
// CredsFile is a decorated creds bundle; JWT and Seed may be given inline instead.
type JWTCreds struct {
	CredsFile string
	JWT       string
	Seed      []byte
}

// authMaterial is the resolved form of Credentials.
type authMaterial struct {
	user      string
	pass      string
	token     string
	jwt       string
	publicKey string
	sign      SignFunc
}

func (NoAuth) resolve() (*authMaterial, error) {
	return &authMaterial{}, nil
}

func (c UserPass) resolve() (*authMaterial, error) {
	if c.User == "" {
		return nil, NewAuthError("", "empty user", ErrNoCredentials)
	}
	return &authMaterial{user: c.User, pass: c.Password}, nil
}

func (c Token) resolve() (*authMaterial, error) {
	if c.Token == "" {
		return nil, NewAuthError("", "empty token", ErrNoCredentials)
	}
	return &authMaterial{token: c.Token}, nil
}

func (c NKeySeed) resolve() (*authMaterial, error) {
	seed := c.Seed
	if len(seed) == 0 {
		if c.SeedFile == "" {
			return nil, NewAuthError("", "no nkey seed configured", ErrNoCredentials)
		}
		contents, err := os.ReadFile(c.SeedFile)
		if err != nil {
			return nil, NewAuthError("", "unable to read nkey seed file", err)
		}
		kp, err := nkeys.ParseDecoratedNKey(contents)
		if err != nil {
			return nil, NewAuthError("", "invalid nkey seed file", err)
		}
		seed, err = copySeed(kp)
		if err != nil {
			return nil, NewAuthError("", "invalid nkey seed file", err)
		}
	}
	return materialFromSeed("", seed)
}

func (c NKeySigner) resolve() (*authMaterial, error) {
	if c.PublicKey == "" || c.Sign == nil {
		return nil, NewAuthError("", "nkey signer needs a public key and a sign callback", ErrNoCredentials)
	}
	return &authMaterial{publicKey: c.PublicKey, sign: c.Sign}, nil
}

func (c JWTCreds) resolve() (*authMaterial, error) {
	jwt, seed := c.JWT, c.Seed
	if c.CredsFile != "" {
		contents, err := os.ReadFile(c.CredsFile)
		if err != nil {
			return nil, NewAuthError("", "unable to read credentials file", err)
		}
		jwt, err = nkeys.ParseDecoratedJWT(contents)
		if err != nil {
			return nil, NewAuthError("", "invalid credentials file", err)
		}
		kp, err := nkeys.ParseDecoratedNKey(contents)
		if err != nil {
			return nil, NewAuthError("", "invalid credentials file", err)
		}
		seed, err = copySeed(kp)
		if err != nil {
			return nil, NewAuthError("", "invalid credentials file", err)
		}
	}

	if jwt == "" || len(seed) == 0 {
		return nil, NewAuthError("", "jwt credentials need a jwt and a seed", ErrNoCredentials)
	}

	return materialFromSeed(jwt, seed)
}

// copySeed returns a copy of the key pair's seed and wipes the pair.
// Seed returns the pair's own buffer, which Wipe overwrites.
func copySeed(kp nkeys.KeyPair) ([]byte, error) {
	defer kp.Wipe()
	s, err := kp.Seed()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), s...), nil
}

func materialFromSeed(jwt string, seed []byte) (*authMaterial, error) {
	kp, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, NewAuthError("", "invalid nkey seed", err)
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, NewAuthError("", "invalid nkey seed", err)
	}

	owned := append([]byte(nil), seed...)
	return &authMaterial{
		jwt:       jwt,
		publicKey: pub,
		sign: func(nonce []byte) ([]byte, error) {
			kp, err := nkeys.FromSeed(owned)
			if err != nil {
				return nil, err
			}
			defer kp.Wipe()
			return kp.Sign(nonce)
		},
	}, nil
}

// negotiate fills the credential fields of a CONNECT payload.
// URL user info is used only when no explicit credentials are configured.
func (m *authMaterial) negotiate(ci *connectInfo, serverURL *url.URL, nonce string) error {
	if m.user == "" && m.token == "" && m.publicKey == "" && serverURL != nil && serverURL.User != nil {
		user := serverURL.User.Username()
		if pass, ok := serverURL.User.Password(); ok {
			ci.User, ci.Pass = user, pass
		} else {
			ci.AuthToken = user
		}
		return nil
	}

	ci.User, ci.Pass = m.user, m.pass
	ci.AuthToken = m.token
	ci.JWT = m.jwt

	if m.publicKey == "" {
		return nil
	}

	// JWT auth identifies the user through the JWT, the nkey is implied.
	if m.jwt == "" {
		ci.NKey = m.publicKey
	}

	if nonce == "" {
		return nil
	}

	sig, err := m.sign([]byte(nonce))
	if err != nil {
		return NewAuthError("", "unable to sign nonce", err)
	}
	ci.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// isAuthRejection reports whether a handshake failure is a credential rejection.
func isAuthRejection(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		return se.IsAuthorizationViolation()
	}
	return false
}

func authRejection(server string, err error) error {
	var se *ServerError
	if errors.As(err, &se) {
		return NewAuthError(server, se.Text, nil)
	}
	return NewAuthError(server, fmt.Sprintf("connection closed after CONNECT: %v", err), nil)
}
