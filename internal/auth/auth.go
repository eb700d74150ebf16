// Package auth resolves opaque caller credentials to agent identities and
// mints signed, expiring bearer tokens. Tokens are ed25519-signed; the
// keyring supports rotation, so tokens signed before a rotation verify
// until their own expiry.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/core"
	"github.com/nidhogg/overseer/internal/redact"
)

// TokenRecord is the bookkeeping row written for every issued token.
type TokenRecord struct {
	TokenID   string
	AgentID   string
	AgentType core.AgentType
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Auditor records token issuance. The storage layer implements it; a nil
// auditor disables bookkeeping (used by the keygen helper and tests).
type Auditor interface {
	RecordToken(ctx context.Context, rec TokenRecord) error
}

// Service authenticates credentials and issues tokens.
type Service struct {
	cfg     config.AuthConfig
	auditor Auditor
	logger  *zap.Logger
	now     func() time.Time

	// Key material is parsed on first use, not at construction, so a
	// process that only serves pre-shared-key traffic never touches it.
	initOnce  sync.Once
	initErr   error
	signer    ed25519.PrivateKey
	signerKID string
	verifiers map[string]ed25519.PublicKey

	staticKeys map[string]core.AgentIdentity
}

// New creates an auth service. Signing seeds are validated lazily on the
// first token operation.
func New(cfg config.AuthConfig, auditor Auditor, logger *zap.Logger) *Service {
	static := make(map[string]core.AgentIdentity, len(cfg.StaticKeys))
	for _, sk := range cfg.StaticKeys {
		static[sk.Key] = core.AgentIdentity{
			AgentID:     sk.AgentID,
			Type:        core.AgentType(sk.AgentType),
			Permissions: sk.Permissions,
		}
	}
	return &Service{
		cfg:        cfg,
		auditor:    auditor,
		logger:     logger,
		now:        time.Now,
		staticKeys: static,
	}
}

// initKeys parses the configured ed25519 seeds. The last seed becomes the
// signer; every seed contributes a verifier keyed by key id.
func (s *Service) initKeys() error {
	s.initOnce.Do(func() {
		if len(s.cfg.SigningKeys) == 0 {
			s.initErr = fmt.Errorf("auth: no signing keys configured")
			return
		}
		s.verifiers = make(map[string]ed25519.PublicKey, len(s.cfg.SigningKeys))
		for i, encoded := range s.cfg.SigningKeys {
			seed, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil || len(seed) != ed25519.SeedSize {
				s.initErr = fmt.Errorf("auth: signing key %d is not a base64 ed25519 seed", i)
				return
			}
			priv := ed25519.NewKeyFromSeed(seed)
			pub := priv.Public().(ed25519.PublicKey)
			kid := keyID(pub)
			s.verifiers[kid] = pub
			s.signer = priv
			s.signerKID = kid
		}
		s.logger.Info("signing keys loaded",
			zap.Int("keys", len(s.verifiers)),
			zap.String("current", s.signerKID))
	})
	return s.initErr
}

// Authenticate resolves an opaque credential to an identity. Static
// pre-shared keys are checked first; anything else must be a signed token.
func (s *Service) Authenticate(ctx context.Context, credential string) (core.AgentIdentity, error) {
	if credential == "" {
		return core.AgentIdentity{}, fmt.Errorf("%w: empty credential", core.ErrInvalidCredential)
	}
	if id, ok := s.staticKeys[credential]; ok {
		return id, nil
	}
	if err := s.initKeys(); err != nil {
		return core.AgentIdentity{}, fmt.Errorf("%w: %v", core.ErrInvalidCredential, err)
	}

	payload, err := verifyAt(s.verifiers, credential, s.now())
	if err != nil {
		s.logger.Debug("credential rejected",
			zap.String("credential", redact.ID(credential)),
			zap.Error(err))
		return core.AgentIdentity{}, err
	}
	return core.AgentIdentity{
		AgentID:     payload.AgentID,
		Type:        core.AgentType(payload.AgentType),
		Permissions: payload.Permissions,
	}, nil
}

// Issue mints a signed token for an agent. A ttl of zero uses the
// configured default. Issuance touches no session or memory state; the
// only side effect is the audit record.
func (s *Service) Issue(ctx context.Context, agentID string, agentType core.AgentType, ttl time.Duration) (string, error) {
	if agentID == "" {
		return "", core.Validationf("agent_id", "must not be empty")
	}
	if !agentType.Valid() {
		return "", core.Validationf("agent_type", "unknown type %q", agentType)
	}
	if err := s.initKeys(); err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.cfg.TokenTTL()
	}

	now := s.now()
	payload := tokenPayload{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		AgentType: string(agentType),
		KeyID:     s.signerKID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	token, err := mint(s.signer, payload)
	if err != nil {
		return "", err
	}

	if s.auditor != nil {
		rec := TokenRecord{
			TokenID:   payload.ID,
			AgentID:   agentID,
			AgentType: agentType,
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
		}
		if err := s.auditor.RecordToken(ctx, rec); err != nil {
			return "", fmt.Errorf("record token: %w", err)
		}
	}

	s.logger.Info("token issued",
		zap.String("agent", redact.ID(agentID)),
		zap.String("token_id", redact.ID(payload.ID)),
		zap.Duration("ttl", ttl))
	return token, nil
}
