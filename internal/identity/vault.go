// Package identity provides per-agent ED25519 identities, detached
// signature creation and the verification gate that guards trade
// recording. Private keys live only in process memory; the registry
// holds public keys exclusively.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maestrohq/trading-core/internal/store"
	"github.com/maestrohq/trading-core/pkg/types"
)

var (
	// ErrUnknownAgent is returned when no public key is registered.
	ErrUnknownAgent = errors.New("identity: unknown agent")
	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("identity: bad signature")
	// ErrReplayedNonce is returned when a nonce has been seen before.
	ErrReplayedNonce = errors.New("identity: replayed nonce")
)

// Signature is a detached signature envelope over a canonicalized payload.
type Signature struct {
	AgentID   string    `json:"agentId"`
	Signature string    `json:"signature"` // hex ed25519 signature
	Nonce     string    `json:"nonce"`
	SignedAt  time.Time `json:"signedAt"`
	CertID    string    `json:"certId"`
}

// VerifyResult reports the outcome of a verification.
type VerifyResult struct {
	OK     bool
	Reason string
}

const nonceSetSize = 65536

// Vault holds agent keypairs and the used-nonce set. Safe for
// concurrent use.
type Vault struct {
	logger    *zap.Logger
	registry  store.Store
	sessionID string

	mu     sync.RWMutex
	keys   map[string]ed25519.PrivateKey
	pubs   map[string]ed25519.PublicKey
	nonces *lru.Cache[string, struct{}]
}

// NewVault creates an empty vault bound to the agent registry store.
func NewVault(logger *zap.Logger, registry store.Store) (*Vault, error) {
	nonces, err := lru.New[string, struct{}](nonceSetSize)
	if err != nil {
		return nil, err
	}
	return &Vault{
		logger:    logger.Named("identity"),
		registry:  registry,
		sessionID: uuid.NewString(),
		keys:      make(map[string]ed25519.PrivateKey),
		pubs:      make(map[string]ed25519.PublicKey),
		nonces:    nonces,
	}, nil
}

// SessionID returns the process-scoped session identifier attached to
// signal provenance.
func (v *Vault) SessionID() string { return v.sessionID }

// RegisterOrLoad returns the agent's public key, generating a fresh
// keypair on first sight. The public half is upserted into the registry;
// the private half never leaves the vault.
func (v *Vault) RegisterOrLoad(ctx context.Context, agentID string) (ed25519.PublicKey, error) {
	v.mu.RLock()
	pub, ok := v.pubs[agentID]
	v.mu.RUnlock()
	if ok {
		return pub, nil
	}

	v.mu.Lock()
	if pub, ok = v.pubs[agentID]; ok {
		v.mu.Unlock()
		return pub, nil
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		v.mu.Unlock()
		return nil, fmt.Errorf("identity: keygen for %s: %w", agentID, err)
	}
	v.keys[agentID] = priv
	v.pubs[agentID] = pub
	v.mu.Unlock()

	ident := types.StrategyIdentity{
		AgentID:      agentID,
		PublicKey:    hex.EncodeToString(pub),
		Status:       "active",
		RegisteredAt: time.Now().UTC(),
	}
	if err := v.registry.Set(ctx, store.AgentRegistry+"/"+agentID, ident); err != nil {
		return nil, fmt.Errorf("identity: registry upsert for %s: %w", agentID, err)
	}

	v.logger.Info("agent identity registered",
		zap.String("agent_id", agentID),
		zap.String("public_key", ident.PublicKey),
	)
	return pub, nil
}

// Sign canonicalizes payload and returns a detached signature carrying
// a fresh random nonce. Accidental nonce reuse within this process is
// detected and refused.
func (v *Vault) Sign(agentID string, payload any) (*Signature, error) {
	v.mu.RLock()
	priv, ok := v.keys[agentID]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)

	if _, seen := v.nonces.Get(agentID + ":" + nonce); seen {
		return nil, fmt.Errorf("%w: generated nonce already used for %s", ErrReplayedNonce, nonce)
	}

	signedAt := time.Now().UTC()
	msg, err := message(agentID, nonce, signedAt, payload)
	if err != nil {
		return nil, err
	}

	return &Signature{
		AgentID:   agentID,
		Signature: hex.EncodeToString(ed25519.Sign(priv, msg)),
		Nonce:     nonce,
		SignedAt:  signedAt,
		CertID:    v.sessionID + ":" + agentID,
	}, nil
}

// Verify recomputes the canonical payload and checks the signature
// against the registered public key, then burns the nonce. Failures are
// terminal for the signal; callers log a security violation and drop it.
func (v *Vault) Verify(payload any, sig *Signature) (VerifyResult, error) {
	v.mu.RLock()
	pub, ok := v.pubs[sig.AgentID]
	v.mu.RUnlock()
	if !ok {
		return VerifyResult{Reason: "unknown agent " + sig.AgentID}, ErrUnknownAgent
	}

	raw, err := hex.DecodeString(sig.Signature)
	if err != nil {
		return VerifyResult{Reason: "malformed signature"}, ErrBadSignature
	}

	msg, err := message(sig.AgentID, sig.Nonce, sig.SignedAt, payload)
	if err != nil {
		return VerifyResult{Reason: "canonicalization failed"}, err
	}
	if !ed25519.Verify(pub, msg, raw) {
		return VerifyResult{Reason: "signature mismatch"}, ErrBadSignature
	}

	key := sig.AgentID + ":" + sig.Nonce
	v.mu.Lock()
	if _, seen := v.nonces.Get(key); seen {
		v.mu.Unlock()
		return VerifyResult{Reason: "nonce replay " + sig.Nonce}, ErrReplayedNonce
	}
	v.nonces.Add(key, struct{}{})
	v.mu.Unlock()

	return VerifyResult{OK: true}, nil
}

// RecordViolation appends a security-log entry for a failed verification.
func (v *Vault) RecordViolation(ctx context.Context, agentID, kind, detail string) {
	violation := types.SecurityViolation{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Kind:    kind,
		Detail:  detail,
		TS:      time.Now().UTC(),
	}
	if err := v.registry.Set(ctx, store.SecurityLog+"/"+violation.ID, violation); err != nil {
		v.logger.Error("failed to persist security violation", zap.Error(err))
	}
	v.logger.Warn("security violation",
		zap.String("agent_id", agentID),
		zap.String("kind", kind),
		zap.String("detail", detail),
	)
}

func message(agentID, nonce string, signedAt time.Time, payload any) ([]byte, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	header := agentID + "\n" + nonce + "\n" + signedAt.UTC().Format(time.RFC3339Nano) + "\n"
	return append([]byte(header), canonical...), nil
}
