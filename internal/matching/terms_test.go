package matching

import (
	"reflect"
	"testing"
)

func TestExtractTerms_LowercasesAndStripsPunctuation(t *testing.T) {
	got := ExtractTerms("Encryption (AES-256) protects Customer Records!", nil)
	want := []string{"encryption", "aes-256", "protects", "customer", "records"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected terms: %v", got)
	}
}

func TestExtractTerms_DropsShortTokensAndStopWords(t *testing.T) {
	got := ExtractTerms("the company must ensure that all MFA is on by default", nil)
	for _, term := range got {
		if term == "the" || term == "company" || term == "ensure" || term == "must" {
			t.Fatalf("stop word %q survived extraction: %v", term, got)
		}
		if len(term) <= 2 {
			t.Fatalf("short token %q survived extraction: %v", term, got)
		}
	}
	if !contains(got, "mfa") {
		t.Fatalf("expected mfa in terms, got %v", got)
	}
	if !contains(got, "default") {
		t.Fatalf("expected default in terms, got %v", got)
	}
}

func TestExtractTerms_KeepsLowValueTerms(t *testing.T) {
	got := ExtractTerms("risk management policy", nil)
	want := []string{"risk", "management", "policy"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("low-value terms should survive extraction, got %v", got)
	}
}

func TestBuildNGrams(t *testing.T) {
	tokens := []string{"data", "retention", "schedule", "review"}
	bigrams := BuildNGrams(tokens, 2)
	want := []string{"data retention", "retention schedule", "schedule review"}
	if !reflect.DeepEqual(bigrams, want) {
		t.Fatalf("unexpected bigrams: %v", bigrams)
	}
	trigrams := BuildNGrams(tokens, 3)
	if len(trigrams) != 2 || trigrams[0] != "data retention schedule" {
		t.Fatalf("unexpected trigrams: %v", trigrams)
	}
	if got := BuildNGrams(tokens[:1], 2); got != nil {
		t.Fatalf("expected nil for too-few tokens, got %v", got)
	}
}

func TestKeyPhrases_DeduplicatesInFirstOccurrenceOrder(t *testing.T) {
	got := KeyPhrases("backup restore backup verification restore drill", nil)
	want := []string{"backup", "restore", "verification", "drill"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected key phrases: %v", got)
	}
}

func TestLoadTermConfig_MissingFileErrors(t *testing.T) {
	if _, err := LoadTermConfig("/nonexistent/terms.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func contains(items []string, want string) bool {
	for _, s := range items {
		if s == want {
			return true
		}
	}
	return false
}
