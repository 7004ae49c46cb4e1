// Package tokenengine mints, attenuates, and verifies the capability tokens
// that authorize every request the pipeline handles. A token is a chain of
// signed blocks: a base block naming a role and, optionally, a tenant,
// followed by zero or more attenuation blocks that narrow it further. Verification is pure,
// deterministic, and never touches the database.
package tokenengine

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Error kinds returned by Verify. Callers match on these with errors.Is.
var (
	ErrInvalidSignature   = errors.New("tokenengine: invalid signature")
	ErrExpired            = errors.New("tokenengine: token expired")
	ErrMalformed          = errors.New("tokenengine: malformed token")
	ErrMissingRequired    = errors.New("tokenengine: missing required claim")
	ErrAttenuationInvalid = errors.New("tokenengine: attenuation is not more restrictive than its parent")
)

const encodingVersion = 1

// Claims is the fully resolved, read-only view of a verified token: the
// narrowest table/column whitelist across the whole block chain, the role
// from the base block, the tenant from the base block or, for a tenant-less
// base, from the attenuation block that bound it, and the expiry (the
// minimum of every block's expiry, if a block sets one).
type Claims struct {
	Role       string
	Tenant     string
	ExpiresAt  time.Time
	TableAllow []string // nil means "no table restriction from this chain"
	ColumnAllow map[string][]string // table -> allowed columns; nil means unrestricted
}

// block is one signed link in the chain. The base block has Parent == nil
// conceptually (index 0); every later block narrows the one before it.
type block struct {
	Role        string              `json:"role,omitempty"`
	Tenant      string              `json:"tenant,omitempty"`
	ExpiresAt   int64               `json:"expires_at,omitempty"` // unix seconds, 0 = unset
	TableAllow  []string            `json:"table_allow,omitempty"`
	ColumnAllow map[string][]string `json:"column_allow,omitempty"`
	PublicKey   []byte              `json:"public_key,omitempty"` // only set on the base block
}

// signedBlock pairs a block with the signature over its canonical encoding.
type signedBlock struct {
	Block     block  `json:"block"`
	Signature []byte `json:"sig"`
}

// Token is the in-memory representation of a decoded chain, ready either for
// further attenuation or for verification.
type Token struct {
	blocks []signedBlock
}

// Keypair holds an Ed25519 signing key and its corresponding public key.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair produces a new Ed25519 keypair for minting tokens.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("tokenengine: generate keypair: %w", err)
	}
	return Keypair{Public: pub, Private: priv}, nil
}

// MintParams describes the base block of a freshly minted token.
type MintParams struct {
	Role        string
	Tenant      string
	ExpiresAt   time.Time
	TableAllow  []string
	ColumnAllow map[string][]string
}

// Mint creates a new base token signed by kp. Role is required; Tenant may
// be empty to produce a base-role token (spec.md §9 open question — the
// request pipeline, not this package, decides what to do with one).
func Mint(kp Keypair, p MintParams) (*Token, error) {
	if p.Role == "" {
		return nil, fmt.Errorf("%w: role", ErrMissingRequired)
	}
	if p.ExpiresAt.IsZero() {
		return nil, fmt.Errorf("%w: expires_at", ErrMissingRequired)
	}
	b := block{
		Role:        p.Role,
		Tenant:      p.Tenant,
		ExpiresAt:   p.ExpiresAt.Unix(),
		TableAllow:  p.TableAllow,
		ColumnAllow: p.ColumnAllow,
		PublicKey:   []byte(kp.Public),
	}
	sb, err := sign(kp.Private, b)
	if err != nil {
		return nil, err
	}
	return &Token{blocks: []signedBlock{sb}}, nil
}

// AttenuateParams describes the narrowing a new block applies. Zero values
// mean "no further restriction from this block" for that field; the
// effective claim is always the intersection with every earlier block.
//
// Tenant is how an operator's tenant-less base role token is turned into a
// tenant-scoped one: mint once with Tenant empty, then attenuate per tenant.
// A token that already carries a tenant can never be re-attenuated onto a
// different one — only a first, one-time binding is allowed.
type AttenuateParams struct {
	Tenant      string
	ExpiresAt   time.Time
	TableAllow  []string
	ColumnAllow map[string][]string
}

// Attenuate appends a new signed block that can only narrow, never widen,
// the token's effective claims. It is signed with kp's private key, and
// Verify checks every block against the base block's embedded public key,
// so only the holder of the private key that minted the base block can
// produce an attenuation that verifies.
//
// Attenuate never mutates t; it returns a new Token value.
func (t *Token) Attenuate(kp Keypair, p AttenuateParams) (*Token, error) {
	cur, err := t.resolve(time.Time{}) // resolve without an expiry check; we're building, not verifying
	if err != nil {
		return nil, err
	}

	if p.Tenant != "" && cur.Tenant != "" && p.Tenant != cur.Tenant {
		return nil, fmt.Errorf("%w: tenant", ErrAttenuationInvalid)
	}
	if !p.ExpiresAt.IsZero() && !cur.ExpiresAt.IsZero() && p.ExpiresAt.After(cur.ExpiresAt) {
		return nil, fmt.Errorf("%w: expires_at", ErrAttenuationInvalid)
	}
	if p.TableAllow != nil && !subsetOf(p.TableAllow, cur.TableAllow) {
		return nil, fmt.Errorf("%w: table_allow", ErrAttenuationInvalid)
	}
	for table, cols := range p.ColumnAllow {
		if !columnSubsetOf(table, cols, cur.ColumnAllow) {
			return nil, fmt.Errorf("%w: column_allow[%s]", ErrAttenuationInvalid, table)
		}
	}

	nb := block{
		Tenant:      p.Tenant,
		ExpiresAt:   unixOrZero(p.ExpiresAt),
		TableAllow:  p.TableAllow,
		ColumnAllow: p.ColumnAllow,
	}
	sb, err := sign(kp.Private, nb)
	if err != nil {
		return nil, err
	}

	next := &Token{blocks: make([]signedBlock, len(t.blocks)+1)}
	copy(next.blocks, t.blocks)
	next.blocks[len(t.blocks)] = sb
	return next, nil
}

// Verify checks every block's signature against the base block's embedded
// public key, checks expiry against now, and resolves the effective claims.
// Verify is pure and deterministic: the same token and the same now always
// produce the same result.
func Verify(raw string, now time.Time) (Claims, error) {
	tok, err := Decode(raw)
	if err != nil {
		return Claims{}, err
	}
	if len(tok.blocks) == 0 {
		return Claims{}, fmt.Errorf("%w: empty token", ErrMalformed)
	}
	base := tok.blocks[0].Block
	if len(base.PublicKey) != ed25519.PublicKeySize {
		return Claims{}, fmt.Errorf("%w: base block missing public key", ErrMalformed)
	}
	pub := ed25519.PublicKey(base.PublicKey)

	for _, sb := range tok.blocks {
		canonical, err := canonicalizeBlock(sb.Block)
		if err != nil {
			return Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !ed25519.Verify(pub, canonical, sb.Signature) {
			return Claims{}, ErrInvalidSignature
		}
	}

	if base.Role == "" {
		return Claims{}, fmt.Errorf("%w: role", ErrMissingRequired)
	}

	claims, err := tok.resolve(now)
	if err != nil {
		return Claims{}, err
	}
	return claims, nil
}

// Inspect returns a structural view of the token chain without verifying
// any signature. It must never be used in the request path (spec.md §4.1);
// it exists for operator tooling (the inspect-token CLI command).
func Inspect(raw string) ([]InspectedBlock, error) {
	tok, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	out := make([]InspectedBlock, 0, len(tok.blocks))
	for i, sb := range tok.blocks {
		out = append(out, InspectedBlock{
			Index:       i,
			Role:        sb.Block.Role,
			Tenant:      sb.Block.Tenant,
			ExpiresAt:   unixToTime(sb.Block.ExpiresAt),
			TableAllow:  sb.Block.TableAllow,
			ColumnAllow: sb.Block.ColumnAllow,
			HasKey:      len(sb.Block.PublicKey) > 0,
		})
	}
	return out, nil
}

// InspectedBlock is the structural, unverified view of one block in a chain.
type InspectedBlock struct {
	Index       int
	Role        string
	Tenant      string
	ExpiresAt   time.Time
	TableAllow  []string
	ColumnAllow map[string][]string
	HasKey      bool
}

// Encode serializes the token chain to the opaque, URL-safe base64 wire
// format described in spec.md §6.
func (t *Token) Encode() (string, error) {
	wire := struct {
		Version int           `json:"v"`
		Blocks  []signedBlock `json:"blocks"`
	}{Version: encodingVersion, Blocks: t.blocks}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("tokenengine: encode: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(data), nil
}

// Decode parses the wire format without verifying signatures.
func Decode(raw string) (*Token, error) {
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var wire struct {
		Version int           `json:"v"`
		Blocks  []signedBlock `json:"blocks"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Version != encodingVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, wire.Version)
	}
	if len(wire.Blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks", ErrMalformed)
	}
	return &Token{blocks: wire.Blocks}, nil
}

// resolve folds the block chain into effective Claims: role comes from the
// base block, tenant from the base block unless a later block sets one
// (Attenuate only allows that when the base has none), expiry is the
// earliest expiry set by any block,
// and table/column allow-lists intersect across the chain. If now is
// non-zero and the resolved expiry has passed, resolve returns ErrExpired.
func (t *Token) resolve(now time.Time) (Claims, error) {
	base := t.blocks[0].Block
	claims := Claims{
		Role:   base.Role,
		Tenant: base.Tenant,
	}
	if base.ExpiresAt != 0 {
		claims.ExpiresAt = unixToTime(base.ExpiresAt)
	}
	claims.TableAllow = base.TableAllow
	claims.ColumnAllow = base.ColumnAllow

	for _, sb := range t.blocks[1:] {
		b := sb.Block
		if b.Tenant != "" {
			claims.Tenant = b.Tenant
		}
		if b.ExpiresAt != 0 {
			exp := unixToTime(b.ExpiresAt)
			if claims.ExpiresAt.IsZero() || exp.Before(claims.ExpiresAt) {
				claims.ExpiresAt = exp
			}
		}
		if b.TableAllow != nil {
			claims.TableAllow = intersect(claims.TableAllow, b.TableAllow)
		}
		if b.ColumnAllow != nil {
			claims.ColumnAllow = intersectColumns(claims.ColumnAllow, b.ColumnAllow)
		}
	}

	if !now.IsZero() && !claims.ExpiresAt.IsZero() && now.After(claims.ExpiresAt) {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

func sign(priv ed25519.PrivateKey, b block) (signedBlock, error) {
	canonical, err := canonicalizeBlock(b)
	if err != nil {
		return signedBlock{}, fmt.Errorf("tokenengine: canonicalize: %w", err)
	}
	return signedBlock{Block: b, Signature: ed25519.Sign(priv, canonical)}, nil
}

// canonicalizeBlock produces the exact byte string a signature covers.
// Field order is fixed by the struct tag order of encoding/json, which is
// stable for a given Go type — sufficient for this closed, single-producer
// wire format.
func canonicalizeBlock(b block) ([]byte, error) {
	return json.Marshal(b)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// subsetOf reports whether every element of a is present in b. A nil b
// means "unrestricted", so anything is a subset of it.
func subsetOf(a, b []string) bool {
	if b == nil {
		return true
	}
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	for _, x := range a {
		if _, ok := set[x]; !ok {
			return false
		}
	}
	return true
}

func columnSubsetOf(table string, cols []string, parent map[string][]string) bool {
	if parent == nil {
		return true
	}
	allowed, ok := parent[table]
	if !ok {
		return false
	}
	return subsetOf(cols, allowed)
}

func intersect(a, b []string) []string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	set := make(map[string]struct{}, len(b))
	for _, x := range b {
		set[x] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, x := range a {
		if _, ok := set[x]; ok {
			out = append(out, x)
		}
	}
	return out
}

func intersectColumns(a, b map[string][]string) map[string][]string {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := make(map[string][]string, len(a)+len(b))
	for table, cols := range a {
		if bcols, ok := b[table]; ok {
			out[table] = intersect(cols, bcols)
		} else {
			out[table] = cols
		}
	}
	// A table absent from one map has no column restriction on that side,
	// so the other side's list is the narrower one and is kept as is.
	for table, cols := range b {
		if _, ok := a[table]; !ok {
			out[table] = cols
		}
	}
	return out
}
