package keyring

import (
	"os"
	"testing"
)

func TestEnvService_StoreVerifyDelete(t *testing.T) {
	s := NewEnvService()

	ok, _ := s.Verify("anthropic")
	if ok {
		t.Fatal("expected unconfigured provider before Store")
	}

	if err := s.Store("anthropic", "sk-ant-test"); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Verify("anthropic")
	if err != nil || !ok {
		t.Fatalf("Verify() = %v, %v, want true, nil", ok, err)
	}

	if err := s.Delete("anthropic"); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.Verify("anthropic")
	if ok {
		t.Error("expected unconfigured provider after Delete")
	}
}

func TestEnvService_UnknownProvider(t *testing.T) {
	s := NewEnvService()
	if err := s.Store("made-up-provider", "key"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestEnvService_ListProvidersReportsConfiguredState(t *testing.T) {
	s := NewEnvService()
	s.Store("anthropic", "sk-ant-test")

	statuses := s.ListProviders()
	found := false
	for _, st := range statuses {
		if st.Provider == "anthropic" {
			found = true
			if !st.Configured {
				t.Error("anthropic should report configured=true")
			}
		}
		if st.Provider == "openai" && st.Configured {
			t.Error("openai should report configured=false")
		}
	}
	if !found {
		t.Fatal("anthropic missing from ListProviders()")
	}
}

func TestEnvService_SetEnvVarsPushesToProcessEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	s := NewEnvService()
	s.Store("anthropic", "sk-ant-env-test")
	if err := s.SetEnvVars(); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("ANTHROPIC_API_KEY"); got != "sk-ant-env-test" {
		t.Errorf("ANTHROPIC_API_KEY = %q, want sk-ant-env-test", got)
	}
}
