package capabilities

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// MultisigProvider enumerates the authorized approver identities and vouches
// for approver membership. The state machine trusts this capability's
// verdict on "is this caller an authorized approver".
type MultisigProvider interface {
	Approvers(ctx context.Context) ([]string, error)
	IsApprover(ctx context.Context, actor string) (bool, error)
}

// StaticMultisigProvider is a fixed approver set, suitable for tests and for
// deployments where the approver set lives in the governance config itself.
type StaticMultisigProvider struct {
	mu      sync.RWMutex
	members []string
}

// NewStaticMultisigProvider creates a provider over the given members.
func NewStaticMultisigProvider(members []string) *StaticMultisigProvider {
	return &StaticMultisigProvider{members: append([]string(nil), members...)}
}

// SetMembers replaces the approver set (applied on config updates).
func (p *StaticMultisigProvider) SetMembers(members []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.members = append([]string(nil), members...)
}

func (p *StaticMultisigProvider) Approvers(ctx context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.members...), nil
}

func (p *StaticMultisigProvider) IsApprover(ctx context.Context, actor string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.members {
		if m == actor {
			return true, nil
		}
	}
	return false, nil
}

// ApprovalClaims are the JWT claims of a signed approval assertion submitted
// by an approver through the orchestration service.
type ApprovalClaims struct {
	jwt.RegisteredClaims
	ProposalID string `json:"proposal_id"`
}

// ApprovalAudience is the required audience of approval assertions.
const ApprovalAudience = "tiller/approval"

// ApprovalVerifier authenticates approval assertions before they reach the
// state machine: the orchestrator verifies the signature and only then
// submits the approve operation under the asserted approver identity.
type ApprovalVerifier struct {
	keys map[string][]byte // approver id -> HMAC secret
}

// NewApprovalVerifier creates a verifier over per-approver signing secrets.
func NewApprovalVerifier(keys map[string][]byte) *ApprovalVerifier {
	cp := make(map[string][]byte, len(keys))
	for k, v := range keys {
		cp[k] = v
	}
	return &ApprovalVerifier{keys: cp}
}

// Verify parses and validates an assertion token, returning the approver
// identity and the proposal it approves.
func (v *ApprovalVerifier) Verify(tokenStr string) (approver, proposalID string, err error) {
	claims := &ApprovalClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		sub, err := t.Claims.GetSubject()
		if err != nil || sub == "" {
			return nil, fmt.Errorf("assertion missing subject")
		}
		key, ok := v.keys[sub]
		if !ok {
			return nil, fmt.Errorf("unknown approver %s", sub)
		}
		return key, nil
	}, jwt.WithAudience(ApprovalAudience))
	if err != nil {
		return "", "", fmt.Errorf("approval assertion rejected: %w", err)
	}
	if !token.Valid {
		return "", "", fmt.Errorf("approval assertion invalid")
	}
	if claims.ProposalID == "" {
		return "", "", fmt.Errorf("approval assertion missing proposal_id")
	}
	return claims.Subject, claims.ProposalID, nil
}

// SignApproval mints an assertion token for tests and CLI tooling.
func SignApproval(approver, proposalID string, key []byte) (string, error) {
	claims := &ApprovalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  approver,
			Audience: jwt.ClaimStrings{ApprovalAudience},
		},
		ProposalID: proposalID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign approval: %w", err)
	}
	return signed, nil
}
