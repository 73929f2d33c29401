package security

import "testing"

func TestValidateRPCURL(t *testing.T) {
	tests := []struct {
		url           string
		allowInternal bool
		wantErr       bool
	}{
		{"https://sepolia.base.org", false, false},
		{"wss://node.example.org/ws", false, false},
		{"ftp://node.example.org", false, true},
		{"https://", false, true},
		{"http://localhost:8545", false, true},
		{"http://localhost:8545", true, false},
		{"http://127.0.0.1:8545", false, true},
		{"http://10.0.0.4:8545", false, true},
		{"http://169.254.169.254", false, true},
		{"http://0.0.0.0:8545", false, true},
		{"http://[::1]:8545", false, true},
		{"http://metadata.google.internal", false, true},
		{"::not a url", true, true},
	}

	for _, tt := range tests {
		err := ValidateRPCURL(tt.url, tt.allowInternal)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateRPCURL(%q, %v) error = %v, wantErr %v", tt.url, tt.allowInternal, err, tt.wantErr)
		}
	}
}

func TestValidateWebhookURL(t *testing.T) {
	if err := ValidateWebhookURL("https://hooks.state.edu/credgate", false); err != nil {
		t.Errorf("public https webhook rejected: %v", err)
	}
	if err := ValidateWebhookURL("wss://hooks.state.edu/credgate", true); err == nil {
		t.Error("websocket scheme accepted for a webhook")
	}
	if err := ValidateWebhookURL("http://192.168.1.20/hook", false); err == nil {
		t.Error("private address accepted")
	}
	if err := ValidateWebhookURL("http://192.168.1.20/hook", true); err != nil {
		t.Errorf("internal address rejected with allowInternal: %v", err)
	}
}
