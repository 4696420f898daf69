// Package security provides Ed25519 identities and request signing.
// A signing identity's market address is its hex-encoded public key, so a
// server can check that a request really comes from the caller it names.
package security

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/proofmarket/pmkt/internal/domain"
)

// Request headers set by SignRequest.
const (
	HeaderSignature = "X-Pmkt-Signature"
	HeaderTimestamp = "X-Pmkt-Timestamp"
)

// DefaultSkew bounds how far a request timestamp may drift from the server clock.
const DefaultSkew = 5 * time.Minute

var (
	ErrMalformedAddress = errors.New("address is not a hex ed25519 public key")
	ErrMissingSignature = errors.New("request signature missing")
	ErrBadSignature     = errors.New("request signature does not match caller")
	ErrStaleRequest     = errors.New("request timestamp outside allowed skew")
)

// Keypair holds an Ed25519 identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// LoadOrCreateKeypair loads the named keypair from home/keys, generating
// and saving it on first use.
func LoadOrCreateKeypair(home, name string) (*Keypair, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("invalid key name %q", name)
	}
	keyDir := filepath.Join(home, "keys")
	privPath := filepath.Join(keyDir, name+".key")

	if raw, err := os.ReadFile(privPath); err == nil {
		priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(priv) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("decode private key %s: malformed", privPath)
		}
		pk := ed25519.PrivateKey(priv)
		return &Keypair{Public: pk.Public().(ed25519.PublicKey), Private: pk}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(kp.Private)), 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	pubPath := filepath.Join(keyDir, name+".pub")
	if err := os.WriteFile(pubPath, []byte(kp.Address()), 0644); err != nil {
		return nil, fmt.Errorf("write public key: %w", err)
	}
	return kp, nil
}

// Address returns the market address of this identity.
func (kp *Keypair) Address() domain.Address {
	return domain.Address(hex.EncodeToString(kp.Public))
}

// Sign signs a message with the private key.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks a signature against a public key.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, message, signature)
}

// PublicKey decodes a signing address back into its public key.
func PublicKey(addr domain.Address) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(string(addr))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%q: %w", addr, ErrMalformedAddress)
	}
	return ed25519.PublicKey(raw), nil
}

// ─── Request Signing ────────────────────────────────────────────────────────

// RequestMessage is the byte string a request signature covers.
func RequestMessage(method, uri string, ts int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	var b bytes.Buffer
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(uri)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(sum[:]))
	return b.Bytes()
}

// SignRequest stamps r with a timestamp and a signature over its method,
// URI and body. body must be the exact bytes r will send.
func (kp *Keypair) SignRequest(r *http.Request, body []byte, now time.Time) {
	ts := now.Unix()
	sig := kp.Sign(RequestMessage(r.Method, r.URL.RequestURI(), ts, body))
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
}

// VerifyRequest checks that r was signed by caller within skew of now.
func VerifyRequest(r *http.Request, caller domain.Address, body []byte, now time.Time, skew time.Duration) error {
	pub, err := PublicKey(caller)
	if err != nil {
		return err
	}
	sigHex, tsRaw := r.Header.Get(HeaderSignature), r.Header.Get(HeaderTimestamp)
	if sigHex == "" || tsRaw == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", tsRaw, ErrStaleRequest)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > skew || d < -skew {
		return fmt.Errorf("timestamp off by %s: %w", d.Round(time.Second), ErrStaleRequest)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrBadSignature
	}
	if !Verify(RequestMessage(r.Method, r.URL.RequestURI(), ts, body), sig, pub) {
		return ErrBadSignature
	}
	return nil
}
