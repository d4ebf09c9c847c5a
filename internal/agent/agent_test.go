package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micheletedeschi/mtconnect-agent/internal/config"
)

const testSchema = `{"devices":[{"uuid":"000","name":"VMC-3Axis","dataitems":[{"id":"avail1","name":"avail","type":"AVAILABILITY","category":"EVENT"}]}]}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	schemaPath := filepath.Join(dir, "vmc.json")
	if err := os.WriteFile(schemaPath, []byte(testSchema), 0o644); err != nil {
		t.Fatalf("writing schema: %v", err)
	}

	cfg := config.Default()
	cfg.Port = 17000
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Devices = []config.DeviceConfig{{
		UUID:       "000",
		Name:       "VMC-3Axis",
		SchemaFile: schemaPath,
	}}
	return cfg
}

func TestNewLoadsSchemas(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.lock.Release()

	if got := a.Registry().DeviceUUID("VMC-3Axis"); got != "000" {
		t.Errorf("DeviceUUID = %q", got)
	}
	if di := a.Registry().DataItemForName("000", "avail"); di == nil {
		t.Error("schema dataitem not indexed")
	}
}

func TestNewRejectsMissingSchemaFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Devices[0].SchemaFile = filepath.Join(t.TempDir(), "nope.json")
	if _, err := New(cfg); err == nil {
		t.Fatal("New accepted a missing schema file")
	}
}

func TestNewRejectsBadDeviceXML(t *testing.T) {
	cfg := testConfig(t)
	xmlPath := filepath.Join(filepath.Dir(cfg.Devices[0].SchemaFile), "dev.xml")
	bad := `<MTConnectDevices xmlns="urn:mtconnect.org:MTConnectDevices:2.0"/>`
	if err := os.WriteFile(xmlPath, []byte(bad), 0o644); err != nil {
		t.Fatalf("writing xml: %v", err)
	}
	cfg.Devices[0].XMLFile = xmlPath
	if _, err := New(cfg); err == nil {
		t.Fatal("New accepted an unsupported device xml version")
	}
}

func TestSecondInstanceIsLockedOut(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.lock.Release()

	if _, err := New(cfg); err == nil {
		t.Fatal("second agent acquired the same state dir")
	}
}
