// Package validation checks device XML before ingest. The document's
// MTConnectDevices namespace version must be one the agent supports, and an
// external XSD validator must accept the file. Any failure here is fatal to
// startup for the device that carried it.
package validation

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// SupportedVersions are the MTConnect schema versions the agent accepts.
var SupportedVersions = []string{"1.1", "1.2", "1.3"}

// ExtractVersion pulls the schema minor version out of the
// MTConnectDevices xmlns attribute. No extractable version is a rejection.
func ExtractVersion(deviceXML []byte) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(deviceXML)))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", fmt.Errorf("device xml has no MTConnectDevices element")
		}
		if err != nil {
			return "", fmt.Errorf("parsing device xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local != "MTConnectDevices" {
			return "", fmt.Errorf("unexpected root element %s", start.Name.Local)
		}
		for _, a := range start.Attr {
			if a.Name.Local != "xmlns" && a.Name.Space != "xmlns" {
				continue
			}
			// urn:mtconnect.org:MTConnectDevices:1.3
			if i := strings.LastIndex(a.Value, ":"); i >= 0 && strings.Contains(a.Value, "MTConnectDevices") {
				if v := a.Value[i+1:]; v != "" {
					return v, nil
				}
			}
		}
		return "", fmt.Errorf("MTConnectDevices has no versioned xmlns attribute")
	}
}

// versionSupported checks against SupportedVersions.
func versionSupported(version string) bool {
	for _, v := range SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}

// ValidateDeviceXML rejects a device description when its version is
// missing or unsupported, when the temp file cannot be written, or when
// the validator command exits non-zero. validatorCmd is a template whose
// %s receives the temp file path; empty skips the external check but still
// enforces the version.
func ValidateDeviceXML(deviceXML []byte, validatorCmd string) error {
	version, err := ExtractVersion(deviceXML)
	if err != nil {
		return err
	}
	if !versionSupported(version) {
		return fmt.Errorf("unsupported MTConnect version %s (supported: %s)",
			version, strings.Join(SupportedVersions, ", "))
	}
	if validatorCmd == "" {
		return nil
	}

	tmp, err := os.CreateTemp("", "mtc-device-*.xml")
	if err != nil {
		return fmt.Errorf("creating temp file for validation: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(deviceXML); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file for validation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing temp file for validation: %w", err)
	}

	cmdline := strings.ReplaceAll(validatorCmd, "%s", tmp.Name())
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return fmt.Errorf("empty validator command")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xsd validation failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
