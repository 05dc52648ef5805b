// Package session persists the Session (A6) JSON document to the user data
// dir: realm, delegation chain (opaque — this core never signs or verifies
// it), input bindings, graphics knobs, and per-scope permission decisions.
// Grounded on the corpus's own small JSON-config-on-disk helpers, swapped to
// json-iterator for parity with the rest of the domain stack's JSON path.
/*
 * Copyright (c) 2024, Decentraland Foundation.
 */
package session

import (
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v4"
	jsoniter "github.com/json-iterator/go"

	"github.com/decentraland/explorer-core/cmn/rerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const fileName = "session.json"

// PermissionScope is the scope a decision is recorded at.
type PermissionScope string

const (
	ScopeScene  PermissionScope = "scene"
	ScopeRealm  PermissionScope = "realm"
	ScopeGlobal PermissionScope = "global"
)

// PermissionDecision is a persisted Allow/Deny for one request type at one
// scope key (scene hash, realm name, or the literal "*" for global).
type PermissionDecision struct {
	Allowed bool `json:"allowed"`
}

// Delegation is the opaque previous-login artifact: an ephemeral key and its
// signed delegation chain plus expiry. The core stores and forwards these
// bytes unexamined — wallet cryptography is an external collaborator (§1).
type Delegation struct {
	EphemeralKey string    `json:"ephemeral_key,omitempty"`
	Chain        []string  `json:"chain,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Session is the full persisted document.
type Session struct {
	Realm       string         `json:"realm,omitempty"`
	Delegation  Delegation     `json:"delegation"`
	Bindings    map[string]string `json:"bindings,omitempty"`
	Graphics    map[string]string `json:"graphics,omitempty"`

	// Permissions is keyed "scope/scopeKey/type", e.g. "scene/<hash>/OPEN_EXTERNAL_URL".
	Permissions map[string]PermissionDecision `json:"permissions,omitempty"`
}

func empty() *Session {
	return &Session{
		Bindings:    make(map[string]string),
		Graphics:    make(map[string]string),
		Permissions: make(map[string]PermissionDecision),
	}
}

// Path returns the session file's path under dataDir.
func Path(dataDir string) string { return filepath.Join(dataDir, fileName) }

// Load reads the session file, returning an empty Session if none exists
// yet — a missing session is not an error (§7: asset-malformed only applies
// to scene content, not first-run bootstrapping).
func Load(dataDir string) (*Session, error) {
	b, err := os.ReadFile(Path(dataDir))
	if os.IsNotExist(err) {
		return empty(), nil
	}
	if err != nil {
		return nil, rerr.Wrap(rerr.KindTransientIO, "session", err, "read session file")
	}
	s := empty()
	if err := json.Unmarshal(b, s); err != nil {
		return nil, rerr.Wrap(rerr.KindAssetMalformed, "session", err, "parse session file")
	}
	if s.Bindings == nil {
		s.Bindings = make(map[string]string)
	}
	if s.Graphics == nil {
		s.Graphics = make(map[string]string)
	}
	if s.Permissions == nil {
		s.Permissions = make(map[string]PermissionDecision)
	}
	s.RefreshDelegationExpiry()
	return s, nil
}

// Save writes the session file atomically (write-to-temp then rename) so a
// crash mid-write never leaves a corrupt file behind.
func Save(dataDir string, s *Session) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return rerr.Wrap(rerr.KindTransientIO, "session", err, "create user data dir")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return rerr.Wrap(rerr.KindFatal, "session", err, "marshal session")
	}
	tmp := Path(dataDir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return rerr.Wrap(rerr.KindTransientIO, "session", err, "write session temp file")
	}
	if err := os.Rename(tmp, Path(dataDir)); err != nil {
		return rerr.Wrap(rerr.KindTransientIO, "session", err, "rename session temp file")
	}
	return nil
}

// PermissionKey builds the Permissions map key for a (scope, scopeKey, type)
// triple. scopeKey is ignored (and should be "") for ScopeGlobal.
func PermissionKey(scope PermissionScope, scopeKey, ty string) string {
	if scope == ScopeGlobal {
		return string(ScopeGlobal) + "/*/" + ty
	}
	return string(scope) + "/" + scopeKey + "/" + ty
}

func (s *Session) Decision(scope PermissionScope, scopeKey, ty string) (PermissionDecision, bool) {
	d, ok := s.Permissions[PermissionKey(scope, scopeKey, ty)]
	return d, ok
}

func (s *Session) SetDecision(scope PermissionScope, scopeKey, ty string, allowed bool) {
	if s.Permissions == nil {
		s.Permissions = make(map[string]PermissionDecision)
	}
	s.Permissions[PermissionKey(scope, scopeKey, ty)] = PermissionDecision{Allowed: allowed}
}

// RefreshDelegationExpiry fills in Delegation.Expiry from the last link of
// the delegation Chain when the caller hasn't set one explicitly. The chain
// link is never signature-verified here — wallet cryptography is out of
// scope (§1) — only its "exp" claim is read, purely so the host knows when
// to prompt for a fresh login.
func (s *Session) RefreshDelegationExpiry() {
	if !s.Delegation.Expiry.IsZero() || len(s.Delegation.Chain) == 0 {
		return
	}
	last := s.Delegation.Chain[len(s.Delegation.Chain)-1]
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(last, claims); err != nil {
		return
	}
	if exp, ok := claims["exp"].(float64); ok {
		s.Delegation.Expiry = time.Unix(int64(exp), 0)
	}
}
