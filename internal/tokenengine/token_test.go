package tokenengine

import (
	"errors"
	"testing"
	"time"
)

func mustKeypair(t *testing.T) Keypair {
	t.Helper()
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp
}

func TestMintVerifyRoundTrip(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	raw, err := tok.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	claims, err := Verify(raw, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Role != "support_agent" || claims.Tenant != "acme" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	raw, _ := tok.Encode()

	_, err = Verify(raw, time.Now())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	tok.blocks[0].Block.Role = "admin"

	raw, _ := tok.Encode()
	_, err = Verify(raw, time.Now())
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	_, err := Verify("not-valid-base64!!", time.Now())
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAttenuateNarrowsTableAllow(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:       "support_agent",
		Tenant:     "acme",
		ExpiresAt:  time.Now().Add(time.Hour),
		TableAllow: []string{"tickets", "customers"},
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	narrowed, err := tok.Attenuate(kp, AttenuateParams{TableAllow: []string{"tickets"}})
	if err != nil {
		t.Fatalf("Attenuate: %v", err)
	}
	raw, _ := narrowed.Encode()
	claims, err := Verify(raw, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(claims.TableAllow) != 1 || claims.TableAllow[0] != "tickets" {
		t.Fatalf("expected table_allow=[tickets], got %v", claims.TableAllow)
	}
}

func TestAttenuateRejectsWidening(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:       "support_agent",
		Tenant:     "acme",
		ExpiresAt:  time.Now().Add(time.Hour),
		TableAllow: []string{"tickets"},
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = tok.Attenuate(kp, AttenuateParams{TableAllow: []string{"tickets", "customers"}})
	if !errors.Is(err, ErrAttenuationInvalid) {
		t.Fatalf("expected ErrAttenuationInvalid, got %v", err)
	}
}

func TestAttenuateRejectsLaterExpiry(t *testing.T) {
	kp := mustKeypair(t)
	base := time.Now().Add(time.Hour)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		Tenant:    "acme",
		ExpiresAt: base,
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = tok.Attenuate(kp, AttenuateParams{ExpiresAt: base.Add(time.Hour)})
	if !errors.Is(err, ErrAttenuationInvalid) {
		t.Fatalf("expected ErrAttenuationInvalid, got %v", err)
	}
}

func TestAttenuateBindsTenantToBaseRoleToken(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	scoped, err := tok.Attenuate(kp, AttenuateParams{Tenant: "acme"})
	if err != nil {
		t.Fatalf("Attenuate: %v", err)
	}
	raw, _ := scoped.Encode()
	claims, err := Verify(raw, time.Now())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Tenant != "acme" {
		t.Fatalf("expected tenant=acme, got %q", claims.Tenant)
	}
}

func TestAttenuateRejectsTenantReassignment(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, err = tok.Attenuate(kp, AttenuateParams{Tenant: "globex"})
	if !errors.Is(err, ErrAttenuationInvalid) {
		t.Fatalf("expected ErrAttenuationInvalid, got %v", err)
	}
}

func TestInspectDoesNotRequireValidSignature(t *testing.T) {
	kp := mustKeypair(t)
	tok, err := Mint(kp, MintParams{
		Role:      "support_agent",
		Tenant:    "acme",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	tok.blocks[0].Signature[0] ^= 0xFF // corrupt the signature

	raw, _ := tok.Encode()
	blocks, err := Inspect(raw)
	if err != nil {
		t.Fatalf("Inspect should not fail on bad signature: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Role != "support_agent" {
		t.Fatalf("unexpected inspected blocks: %+v", blocks)
	}
}

func TestMintRequiresRole(t *testing.T) {
	kp := mustKeypair(t)
	_, err := Mint(kp, MintParams{ExpiresAt: time.Now().Add(time.Hour)})
	if !errors.Is(err, ErrMissingRequired) {
		t.Fatalf("expected ErrMissingRequired, got %v", err)
	}
}
