package audit

import "testing"

func Test_Audit_SecretsRedacted(t *testing.T) {
	if got := SanitiseKey("QDRANT_API_KEY", "super-secret"); got != "set" {
		t.Errorf("secret value leaked: %q", got)
	}
	if got := SanitiseKey("QDRANT_API_KEY", ""); got != "unset" {
		t.Errorf("absent secret: want unset, got %q", got)
	}
}

func Test_Audit_NonSecretsPassThrough(t *testing.T) {
	if got := SanitiseKey("QDRANT_HOST", "localhost"); got != "localhost" {
		t.Errorf("non-secret value mangled: %q", got)
	}
	if got := SanitiseKey("QDRANT_HOST", ""); got != "unset" {
		t.Errorf("absent non-secret: want unset, got %q", got)
	}
}
