package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/core"
)

func newSeed(t *testing.T) string {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand seed: %v", err)
	}
	return base64.StdEncoding.EncodeToString(seed)
}

func newService(t *testing.T, seeds ...string) *Service {
	t.Helper()
	return New(config.AuthConfig{SigningKeys: seeds}, nil, zap.NewNop())
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc := newService(t, newSeed(t))
	ctx := context.Background()

	token, err := svc.Issue(ctx, "agent-1", core.AgentTypeAgent, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	id, err := svc.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.AgentID != "agent-1" || id.Type != core.AgentTypeAgent {
		t.Errorf("identity = %+v", id)
	}
}

func TestAuthenticateRejectsTampered(t *testing.T) {
	svc := newService(t, newSeed(t))
	ctx := context.Background()

	token, err := svc.Issue(ctx, "agent-1", core.AgentTypeAgent, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	// Flip a character in the payload half.
	tampered := []byte(token)
	if tampered[3] == 'A' {
		tampered[3] = 'B'
	} else {
		tampered[3] = 'A'
	}
	if _, err := svc.Authenticate(ctx, string(tampered)); !errors.Is(err, core.ErrInvalidCredential) {
		t.Errorf("tampered token: err = %v, want ErrInvalidCredential", err)
	}

	if _, err := svc.Authenticate(ctx, "not-a-token"); !errors.Is(err, core.ErrInvalidCredential) {
		t.Errorf("garbage: err = %v, want ErrInvalidCredential", err)
	}
	if _, err := svc.Authenticate(ctx, ""); !errors.Is(err, core.ErrInvalidCredential) {
		t.Errorf("empty: err = %v, want ErrInvalidCredential", err)
	}
}

func TestAuthenticateExpired(t *testing.T) {
	svc := newService(t, newSeed(t))
	ctx := context.Background()

	token, err := svc.Issue(ctx, "agent-1", core.AgentTypeAgent, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.Authenticate(ctx, token); !errors.Is(err, core.ErrCredentialExpired) {
		t.Errorf("expired token: err = %v, want ErrCredentialExpired", err)
	}
}

func TestKeyRotation(t *testing.T) {
	seed1, seed2 := newSeed(t), newSeed(t)
	ctx := context.Background()

	old := newService(t, seed1)
	oldToken, err := old.Issue(ctx, "agent-1", core.AgentTypeAgent, time.Minute)
	if err != nil {
		t.Fatalf("Issue with old key: %v", err)
	}

	// After rotation the ring holds both seeds; seed2 signs new tokens.
	rotated := newService(t, seed1, seed2)
	if _, err := rotated.Authenticate(ctx, oldToken); err != nil {
		t.Errorf("old token after rotation: %v", err)
	}

	newToken, err := rotated.Issue(ctx, "agent-2", core.AgentTypeService, time.Minute)
	if err != nil {
		t.Fatalf("Issue with new key: %v", err)
	}
	if _, err := rotated.Authenticate(ctx, newToken); err != nil {
		t.Errorf("new token: %v", err)
	}

	// A service that never learned seed2 must reject tokens it signs.
	if _, err := old.Authenticate(ctx, newToken); !errors.Is(err, core.ErrInvalidCredential) {
		t.Errorf("new token on old ring: err = %v, want ErrInvalidCredential", err)
	}
}

func TestStaticKeys(t *testing.T) {
	svc := New(config.AuthConfig{
		StaticKeys: []config.StaticKeyConfig{
			{Key: "psk-admin-123456", AgentID: "ops", AgentType: "admin"},
		},
	}, nil, zap.NewNop())

	id, err := svc.Authenticate(context.Background(), "psk-admin-123456")
	if err != nil {
		t.Fatalf("Authenticate static key: %v", err)
	}
	if !id.IsAdmin() {
		t.Errorf("identity = %+v, want admin", id)
	}
}

func TestIssueValidation(t *testing.T) {
	svc := newService(t, newSeed(t))
	ctx := context.Background()

	if _, err := svc.Issue(ctx, "", core.AgentTypeAgent, 0); !core.IsValidation(err) {
		t.Errorf("empty agent id: err = %v, want ValidationError", err)
	}
	if _, err := svc.Issue(ctx, "a", core.AgentType("wizard"), 0); !core.IsValidation(err) {
		t.Errorf("bad agent type: err = %v, want ValidationError", err)
	}
}

type captureAuditor struct {
	recs []TokenRecord
}

func (c *captureAuditor) RecordToken(_ context.Context, rec TokenRecord) error {
	c.recs = append(c.recs, rec)
	return nil
}

func TestIssueRecordsAudit(t *testing.T) {
	aud := &captureAuditor{}
	svc := New(config.AuthConfig{SigningKeys: []string{newSeed(t)}}, aud, zap.NewNop())

	if _, err := svc.Issue(context.Background(), "agent-1", core.AgentTypeAgent, time.Minute); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(aud.recs) != 1 || aud.recs[0].AgentID != "agent-1" {
		t.Errorf("audit records = %+v", aud.recs)
	}
}
