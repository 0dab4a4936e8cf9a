package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
)

func newTestAuth(t *testing.T, cfg config.AuthConfig) *Authenticator {
	t.Helper()
	a := New(cfg)
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return a
}

func TestDisabledAuthPassesEverything(t *testing.T) {
	t.Parallel()

	a := newTestAuth(t, config.AuthConfig{Enabled: false})
	if err := a.Verify("c1", "aa:bb:cc", "garbage"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestAllowListBypassesTokens(t *testing.T) {
	t.Parallel()

	a := newTestAuth(t, config.AuthConfig{
		Enabled:        true,
		AllowedDevices: []string{"AA:BB:CC:DD:EE:FF"},
	})
	// Case-insensitive device ids.
	if err := a.Verify("c1", "aa:bb:cc:dd:ee:ff", ""); err != nil {
		t.Fatalf("Verify allow-listed device: %v", err)
	}
	if err := a.Verify("c1", "11:22:33:44:55:66", ""); err == nil {
		t.Fatal("unknown device without token passed")
	}
}

func TestStaticToken(t *testing.T) {
	t.Parallel()

	a := newTestAuth(t, config.AuthConfig{
		Enabled:      true,
		StaticTokens: []string{"test-token-1"},
	})
	if err := a.Verify("c1", "dev", "test-token-1"); err != nil {
		t.Fatalf("Verify static token: %v", err)
	}
	if err := a.Verify("c1", "dev", "wrong"); err == nil {
		t.Fatal("wrong static token passed")
	}
}

func TestHMACRoundTrip(t *testing.T) {
	t.Parallel()

	const secret = "super-secret"
	a := newTestAuth(t, config.AuthConfig{
		Enabled:       true,
		Secret:        secret,
		ExpireSeconds: 3600,
	})
	now := int64(1_700_000_000)

	tests := []struct {
		name     string
		clientID string
		deviceID string
		ts       int64
	}{
		{"plain", "client-1", "aa:bb:cc:dd:ee:ff", now},
		{"zero timestamp within no-expiry", "c", "d", now - 10},
		{"unicode ids", "客户端", "设备", now - 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tok := GenerateToken(secret, tt.clientID, tt.deviceID, tt.ts)
			if err := a.Verify(tt.clientID, tt.deviceID, tok); err != nil {
				t.Fatalf("Verify(generate()) = %v, want nil", err)
			}
		})
	}
}

func TestHMACTamperDetection(t *testing.T) {
	t.Parallel()

	const secret = "super-secret"
	a := newTestAuth(t, config.AuthConfig{Enabled: true, Secret: secret, ExpireSeconds: 3600})
	now := int64(1_700_000_000)
	tok := GenerateToken(secret, "c1", "d1", now)

	t.Run("flipped signature byte", func(t *testing.T) {
		t.Parallel()
		bad := "A" + tok[1:]
		if bad == tok {
			bad = "B" + tok[1:]
		}
		if err := a.Verify("c1", "d1", bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("tampered timestamp", func(t *testing.T) {
		t.Parallel()
		sig, _, _ := splitToken(tok)
		bad := sig + "." + "1700000001"
		if err := a.Verify("c1", "d1", bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("wrong identity", func(t *testing.T) {
		t.Parallel()
		if err := a.Verify("c1", "other-device", tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("err = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		old := GenerateToken(secret, "c1", "d1", now-3601)
		if err := a.Verify("c1", "d1", old); !errors.Is(err, ErrExpiredToken) {
			t.Fatalf("err = %v, want ErrExpiredToken", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		for _, tok := range []string{"", "nodot", ".", "sig.", ".123", "sig.notanumber"} {
			if err := a.Verify("c1", "d1", tok); err == nil {
				t.Fatalf("token %q passed", tok)
			}
		}
	})
}

func splitToken(tok string) (sig, ts string, ok bool) {
	for i := len(tok) - 1; i >= 0; i-- {
		if tok[i] == '.' {
			return tok[:i], tok[i+1:], true
		}
	}
	return "", "", false
}
