package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/maisonpos/fiscalcore/pkg/config"
)

// seedProfile is the YAML shape of a device profile seed file. Key material
// is referenced by path, never inlined in the seed.
type seedProfile struct {
	TenantID        string `yaml:"tenant_id"`
	BranchID        string `yaml:"branch_id"`
	DeviceID        string `yaml:"device_id"`
	Environment     string `yaml:"environment"`
	PartnerID       string `yaml:"partner_id"`
	CertificateCode string `yaml:"certificate_code"`
	SoftwareID      string `yaml:"software_id"`
	SoftwareVersion string `yaml:"software_version"`
	ProtocolVersion string `yaml:"protocol_version"`
	PartnerVersion  string `yaml:"partner_version"`
	TestCaseCode    string `yaml:"test_case_code,omitempty"`
	PrivateKeyFile  string `yaml:"private_key_file,omitempty"`
	CertificateFile string `yaml:"certificate_file,omitempty"`
	GSTNumber       string `yaml:"gst_number"`
	QSTNumber       string `yaml:"qst_number"`
	BillingNumber   string `yaml:"billing_number,omitempty"`
}

// LoadSeed parses one device profile YAML file into a Profile.
func LoadSeed(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read seed %s: %w", path, err)
	}

	var seed seedProfile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("profile: parse seed %s: %w", path, err)
	}

	p := &Profile{
		TenantID:        seed.TenantID,
		BranchID:        seed.BranchID,
		DeviceID:        seed.DeviceID,
		Environment:     config.Environment(seed.Environment),
		PartnerID:       seed.PartnerID,
		CertificateCode: seed.CertificateCode,
		SoftwareID:      seed.SoftwareID,
		SoftwareVersion: seed.SoftwareVersion,
		ProtocolVersion: seed.ProtocolVersion,
		PartnerVersion:  seed.PartnerVersion,
		TestCaseCode:    seed.TestCaseCode,
		GSTNumber:       seed.GSTNumber,
		QSTNumber:       seed.QSTNumber,
		BillingNumber:   seed.BillingNumber,
		IsActive:        true,
	}

	base := filepath.Dir(path)
	if seed.PrivateKeyFile != "" {
		pem, err := os.ReadFile(filepath.Join(base, seed.PrivateKeyFile))
		if err != nil {
			return nil, fmt.Errorf("profile: read key file: %w", err)
		}
		p.PrivateKeyPEM = pem
	}
	if seed.CertificateFile != "" {
		pem, err := os.ReadFile(filepath.Join(base, seed.CertificateFile))
		if err != nil {
			return nil, fmt.Errorf("profile: read certificate file: %w", err)
		}
		p.CertificatePEM = pem
	}

	return p, nil
}

// SeedDir loads every profile_*.yaml under dir into the store.
func SeedDir(ctx context.Context, store *SQLiteStore, dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return 0, err
	}
	for _, path := range matches {
		p, err := LoadSeed(path)
		if err != nil {
			return 0, err
		}
		if err := store.Save(ctx, p); err != nil {
			return 0, fmt.Errorf("profile: seed %s: %w", path, err)
		}
	}
	return len(matches), nil
}
