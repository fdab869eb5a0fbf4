package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arner/fabric-client/ferrors"
)

func TestDefaults(t *testing.T) {
	cfg, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ProposalWaitTime != 30*time.Second {
		t.Errorf("proposal wait time: %s", cfg.ProposalWaitTime)
	}
	if cfg.TransactionCleanupTimeout != 10*time.Minute {
		t.Errorf("transaction cleanup timeout: %s", cfg.TransactionCleanupTimeout)
	}
	if cfg.OrdererRetryWaitTime != 200*time.Millisecond {
		t.Errorf("orderer retry wait time: %s", cfg.OrdererRetryWaitTime)
	}
	if cfg.ReconnectionWarningRate != 50 {
		t.Errorf("reconnection warning rate: %d", cfg.ReconnectionWarningRate)
	}
	if cfg.SecurityLevel != 256 || cfg.HashAlgorithm != "SHA2" || cfg.SignatureAlgorithm != "SHA256withECDSA" {
		t.Errorf("crypto defaults: %d %s %s", cfg.SecurityLevel, cfg.HashAlgorithm, cfg.SignatureAlgorithm)
	}
	if !cfg.ConsistencyValidation {
		t.Error("consistency validation should default to on")
	}
	if cfg.ServiceDiscoveryFrequency != 2*time.Minute {
		t.Errorf("discovery frequency: %s", cfg.ServiceDiscoveryFrequency)
	}
	if cfg.SecurityCurveMapping[256] != "P-256" || cfg.SecurityCurveMapping[384] != "P-384" {
		t.Errorf("curve mapping: %v", cfg.SecurityCurveMapping)
	}
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("HFC_PROPOSAL_WAIT_TIME", "1234")
	t.Setenv("HFC_HASH_ALGORITHM", "SHA3")
	t.Setenv("HFC_PROPOSAL_CONSISTENCY_VALIDATION", "false")

	cfg, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProposalWaitTime != 1234*time.Millisecond {
		t.Errorf("expected env override, got %s", cfg.ProposalWaitTime)
	}
	if cfg.HashAlgorithm != "SHA3" {
		t.Errorf("expected SHA3, got %s", cfg.HashAlgorithm)
	}
	if cfg.ConsistencyValidation {
		t.Error("expected consistency validation off")
	}
}

func TestFileAndEnvPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "client.yaml")
	content := "proposal:\n  wait:\n    time: 5000\norderer:\n  retry_wait_time: 50\n"
	if err := os.WriteFile(file, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := New(file)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProposalWaitTime != 5*time.Second {
		t.Errorf("expected file value, got %s", cfg.ProposalWaitTime)
	}
	if cfg.OrdererRetryWaitTime != 50*time.Millisecond {
		t.Errorf("expected file value, got %s", cfg.OrdererRetryWaitTime)
	}

	// env beats file
	t.Setenv("HFC_PROPOSAL_WAIT_TIME", "7000")
	cfg, err = New(file)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProposalWaitTime != 7*time.Second {
		t.Errorf("expected env to beat file, got %s", cfg.ProposalWaitTime)
	}
}

func TestMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope.yaml")); !ferrors.HasKind(err, ferrors.Argument) {
		t.Fatalf("expected argument error, got %v", err)
	}
}

func TestParseCurveMapping(t *testing.T) {
	tests := []struct {
		in      string
		want    map[int]string
		wantErr bool
	}{
		{in: "256=P-256:384=P-384", want: map[int]string{256: "P-256", 384: "P-384"}},
		{in: "256=P-256", want: map[int]string{256: "P-256"}},
		{in: "garbage", wantErr: true},
		{in: "abc=P-256", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCurveMapping(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("level %d: expected %s, got %s", k, v, got[k])
				}
			}
		})
	}
}
