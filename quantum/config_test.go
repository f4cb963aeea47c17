package quantum

import (
	"testing"

	"github.com/aetherflow/quantumudp/protocol"
	"github.com/aetherflow/quantumudp/qerrors"
)

func TestCreateWithConfigRejectsUnknownVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = protocol.CurrentVersion + 1
	cfg.Host, cfg.Port = "127.0.0.1", "0"

	_, err := CreateWithConfig(cfg)
	if err == nil {
		t.Fatal("CreateWithConfig should reject an unsupported protocol version")
	}
	if !qerrors.Is(err, qerrors.KindInvalid) {
		t.Errorf("error kind = %v, want KindInvalid", err)
	}
}

func TestCreateAcceptsCurrentVersion(t *testing.T) {
	ep, err := Create(protocol.CurrentVersion, "127.0.0.1", "0")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer ep.Destroy()
}
