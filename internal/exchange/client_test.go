package exchange

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"spiketrader/internal/config"
	"spiketrader/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBuildOrderPayloadSignsOrder(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Wallet: config.WalletConfig{
			PrivateKey:    "0x1111111111111111111111111111111111111111111111111111111111111111",
			ChainID:       137,
			SignatureType: 0,
		},
		API: config.APIConfig{
			CLOBBaseURL: "http://localhost",
			ApiKey:      "test-key",
			Secret:      "test-secret",
			Passphrase:  "test-pass",
		},
	}

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	c := NewClient(cfg, auth, testLogger())
	payload := c.buildOrderPayload(types.UserOrder{
		TokenID:   "12345678901234567890",
		Price:     0.55,
		Size:      10,
		Side:      types.BUY,
		OrderType: types.OrderTypeFOK,
		TickSize:  types.Tick001,
	})

	if payload.Order.Maker == "" || !strings.HasPrefix(payload.Order.Maker, "0x") {
		t.Fatalf("maker = %q, want non-empty 0x-prefixed address", payload.Order.Maker)
	}
	if payload.Order.Nonce != "0" {
		t.Fatalf("nonce = %q, want 0", payload.Order.Nonce)
	}
	if payload.Owner != "test-key" {
		t.Fatalf("owner = %q, want test-key", payload.Owner)
	}
	if payload.OrderType != types.OrderTypeFOK {
		t.Fatalf("order type = %q, want FOK", payload.OrderType)
	}
}

func TestNewAuthFromSecretUsesFunderAddressWhenSet(t *testing.T) {
	t.Parallel()

	auth, err := NewAuthFromSecret(
		"1111111111111111111111111111111111111111111111111111111111111111",
		"0x000000000000000000000000000000000000aa",
		1, 137, Credentials{ApiKey: "k", Secret: "c2VjcmV0", Passphrase: "p"},
	)
	if err != nil {
		t.Fatalf("NewAuthFromSecret: %v", err)
	}
	if auth.FunderAddress().Hex() == auth.Address().Hex() {
		t.Fatalf("expected funder address to differ from the signer address in proxy mode")
	}
}

func TestNewAuthFromSecretDefaultsFunderToSigner(t *testing.T) {
	t.Parallel()

	auth, err := NewAuthFromSecret(
		"0x1111111111111111111111111111111111111111111111111111111111111111",
		"", 0, 137, Credentials{},
	)
	if err != nil {
		t.Fatalf("NewAuthFromSecret: %v", err)
	}
	if auth.FunderAddress().Hex() != auth.Address().Hex() {
		t.Fatalf("expected funder address to default to the signer address in direct mode")
	}
}

func TestNewAuthFromSecretRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthFromSecret("not-hex", "", 0, 137, Credentials{}); err == nil {
		t.Fatalf("expected an error for an invalid private key")
	}
}
