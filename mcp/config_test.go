package mcp

import "testing"

func TestConfigValidate(t *testing.T) {
	var nilCfg *Config
	if err := nilCfg.Validate(); err == nil {
		t.Fatal("expected error for nil config")
	}
	if err := (&Config{}).Validate(); err == nil {
		t.Fatal("expected error when clientID and azureRef are both empty")
	}
	if err := (&Config{ClientID: "app-id"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (&Config{AzureRef: "~/.secret/azure.yaml|blowfish://default"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
