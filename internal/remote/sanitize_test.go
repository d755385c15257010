package remote

import (
	"testing"
)

func TestValidateHostTarget(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"valid IPv4", "192.168.1.1", false},
		{"valid IPv6", "2001:db8::1", false},
		{"valid FQDN", "esx01.lab.example.com", false},
		{"valid short hostname", "esx01", false},
		{"injection attempt IP", "192.168.1.1; rm -rf /", true},
		{"injection attempt hostname", "host;reboot", true},
		{"empty", "", true},
		{"consecutive dots", "esx..example.com", true},
		{"starts with hyphen", "-esx.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHostTarget(tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHostTarget(%q) error = %v, wantErr %v", tt.target, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSSHUser(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		wantErr bool
	}{
		{"root", "root", false},
		{"service account", "svc-patch", false},
		{"injection attempt", "root; whoami", true},
		{"digit start", "1user", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSSHUser(tt.user)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSSHUser(%q) error = %v, wantErr %v", tt.user, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatastorePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/vmfs/volumes/datastore1", false},
		{"/vmfs/volumes/5f2b1c3a-0a1b2c3d", false},
		{"/vmfs/volumes/", true},
		{"/tmp", true},
		{"/vmfs/volumes/ds1/../../etc", true},
		{"/vmfs/volumes/ds1\nrm", true},
	}
	for _, tt := range tests {
		err := ValidateDatastorePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateDatastorePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}
