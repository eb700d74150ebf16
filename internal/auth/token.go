package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/overseer/internal/core"
)

// tokenPayload is the signed body of a bearer token. The wire form is
// base64url(JSON payload) + "." + base64url(ed25519 signature).
type tokenPayload struct {
	ID          string   `json:"jti"`
	AgentID     string   `json:"sub"`
	AgentType   string   `json:"typ"`
	Permissions []string `json:"perm,omitempty"`
	KeyID       string   `json:"kid"`
	IssuedAt    int64    `json:"iat"`
	ExpiresAt   int64    `json:"exp"`
}

// keyID derives a stable short identifier for a public key so a verifier
// can be selected without trying every key in the ring.
func keyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:4])
}

func mint(priv ed25519.PrivateKey, payload tokenPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode token payload: %w", err)
	}
	sig := ed25519.Sign(priv, body)
	return base64.RawURLEncoding.EncodeToString(body) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// verifyAt checks a token against the given verifier set at an explicit
// instant. Structural problems and bad signatures surface as
// core.ErrInvalidCredential; a genuine signature past its window surfaces
// as core.ErrCredentialExpired.
func verifyAt(verifiers map[string]ed25519.PublicKey, token string, now time.Time) (tokenPayload, error) {
	var payload tokenPayload

	dot := strings.IndexByte(token, '.')
	if dot < 0 {
		return payload, fmt.Errorf("%w: malformed token", core.ErrInvalidCredential)
	}
	body, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return payload, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return payload, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}

	pub, ok := verifiers[payload.KeyID]
	if !ok {
		return payload, fmt.Errorf("%w: unknown signing key", core.ErrInvalidCredential)
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, body, sig) {
		return payload, fmt.Errorf("%w: signature mismatch", core.ErrInvalidCredential)
	}

	if now.Unix() >= payload.ExpiresAt {
		return payload, core.ErrCredentialExpired
	}
	return payload, nil
}
