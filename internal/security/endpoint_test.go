package security

import "testing"

func TestValidateEndpointURL_Literals(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://203.0.113.10/siteverify", false},
		{"ftp://203.0.113.10/", true},
		{"https://", true},
		{"http://localhost:8080/verify", true},
		{"http://127.0.0.1/verify", true},
		{"http://10.1.2.3/verify", true},
		{"http://169.254.169.254/latest", true},
		{"http://[::1]/verify", true},
	}
	for _, tc := range tests {
		err := ValidateEndpointURL(tc.url)
		if (err != nil) != tc.wantErr {
			t.Errorf("ValidateEndpointURL(%q) err = %v, wantErr %v", tc.url, err, tc.wantErr)
		}
	}
}

func TestIsNonRoutable(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"8.8.8.8", false},
		{"2001:4860:4860::8888", false},
		{"192.168.1.10", true},
		{"10.0.0.1", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"0.0.0.0", true},
		{"::ffff:10.0.0.1", true},
		{"garbage", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsNonRoutable(tc.ip); got != tc.want {
			t.Errorf("IsNonRoutable(%q) = %v, want %v", tc.ip, got, tc.want)
		}
	}
}
