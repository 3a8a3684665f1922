package crypto

import (
	"errors"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	if addr.Prefix() != TraderPrefix {
		t.Fatalf("unexpected prefix %q", addr.Prefix())
	}
	decoded, err := ParseTrader(addr.String())
	if err != nil {
		t.Fatalf("parse trader: %v", err)
	}
	if decoded != addr {
		t.Fatalf("decoded address mismatch: %s != %s", decoded, addr)
	}

	restored, err := PrivateKeyFromBytes(key.Bytes())
	if err != nil {
		t.Fatalf("restore key: %v", err)
	}
	if restored.PubKey().Address() != addr {
		t.Fatalf("restored key controls a different address")
	}
}

func TestParseTraderRejectsModulePrefix(t *testing.T) {
	module := ModuleAddress("twamm")
	if module.Prefix() != ModulePrefix {
		t.Fatalf("unexpected module prefix %q", module.Prefix())
	}
	if module != ModuleAddress("twamm") {
		t.Fatalf("module address must be deterministic")
	}
	if _, err := ParseTrader(module.String()); !errors.Is(err, ErrUnknownPrefix) {
		t.Fatalf("expected ErrUnknownPrefix, got %v", err)
	}
	if _, err := ParseTrader("not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestZeroAddress(t *testing.T) {
	var addr Address
	if !addr.IsZero() {
		t.Fatalf("expected zero address")
	}
	if addr.String() != "" {
		t.Fatalf("zero address should encode to empty string")
	}
}
