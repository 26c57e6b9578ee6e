package importer

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func writeTempFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func scanContent(t *testing.T, name string, content []byte) *ScanResult {
	t.Helper()
	scanner := &SecurityScanner{} // no clamscan in tests
	result, err := scanner.ScanFile(context.Background(), writeTempFile(t, name, content))
	if err != nil {
		t.Fatalf("ScanFile() error = %v", err)
	}
	return result
}

func hasThreat(result *ScanResult, substr string) bool {
	for _, threat := range result.Threats {
		if strings.Contains(threat, substr) {
			return true
		}
	}
	return false
}

// =============================================================================
// SCANNER TESTS
// =============================================================================

func TestScanFile_CleanCSVPasses(t *testing.T) {
	csv := "email,first_name,last_name\nalice@example.com,Alice,Smith\nbob@example.com,Bob,Jones\n"
	result := scanContent(t, "subscribers.csv", []byte(csv))

	if !result.IsClean {
		t.Errorf("clean CSV flagged: %v", result.Threats)
	}
}

func TestScanFile_MalwareSignatures(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"windows executable", []byte{0x4D, 0x5A, 0x90, 0x00}},
		{"ELF executable", []byte{0x7F, 0x45, 0x4C, 0x46, 0x02}},
		{"ZIP archive", []byte{0x50, 0x4B, 0x03, 0x04, 0x14}},
		{"RAR archive", []byte("Rar!\x1a\x07")},
		{"shell script", []byte("#!/bin/sh\nrm -rf /\n")},
		{"bash script", []byte("#!/bin/bash\necho pwned\n")},
		{"PHP script", []byte("<?php system($_GET['c']); ?>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := scanContent(t, "upload.csv", tt.content)
			if result.IsClean {
				t.Error("signature not detected")
			}
			if !hasThreat(result, "malware signature") {
				t.Errorf("threats = %v, want a signature threat", result.Threats)
			}
		})
	}
}

func TestScanFile_SuspiciousPatterns(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"script tag", "email,bio\na@example.com,<script>alert(1)</script>\n"},
		{"SQL injection", "email,note\na@example.com,1 UNION SELECT password FROM users\n"},
		{"path traversal", "email,file\na@example.com,../../etc/config\n"},
		{"system file access", "email,path\na@example.com,/etc/passwd\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := scanContent(t, "upload.csv", []byte(tt.content))
			if result.IsClean {
				t.Error("pattern not detected")
			}
			if !hasThreat(result, "suspicious pattern") {
				t.Errorf("threats = %v, want a pattern threat", result.Threats)
			}
		})
	}
}

func TestScanFile_EmptyFile(t *testing.T) {
	result := scanContent(t, "empty.csv", nil)
	if result.IsClean || !hasThreat(result, "empty file") {
		t.Errorf("empty file not flagged: %+v", result)
	}
}

func TestScanFile_AbsurdFirstLine(t *testing.T) {
	content := strings.Repeat("a", maxFirstLineLength+1) + "\nrow\n"
	result := scanContent(t, "wide.csv", []byte(content))
	if result.IsClean || !hasThreat(result, "first line exceeds") {
		t.Errorf("oversized header not flagged: %+v", result)
	}

	// Same content under a non-CSV extension is not held to the header rule.
	result = scanContent(t, "wide.bin", []byte(content))
	if hasThreat(result, "first line exceeds") {
		t.Error("first-line rule applied outside csv/txt")
	}
}

func TestScanFile_HighEntropyContent(t *testing.T) {
	content := make([]byte, 64*1024)
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("failed to generate random content: %v", err)
	}
	result := scanContent(t, "payload.csv", content)
	if !hasThreat(result, "high entropy") {
		t.Errorf("random content not flagged as high entropy: %v", result.Threats)
	}
}

func TestShannonEntropy(t *testing.T) {
	if e := shannonEntropy([]byte(strings.Repeat("a", 1000))); e != 0 {
		t.Errorf("uniform content entropy = %v, want 0", e)
	}
	if e := shannonEntropy([]byte("email,first_name\nalice@example.com,Alice\n")); e > entropyThreshold {
		t.Errorf("plain CSV entropy = %v, above threshold", e)
	}
}

func TestScanFile_MissingFile(t *testing.T) {
	scanner := &SecurityScanner{}
	if _, err := scanner.ScanFile(context.Background(), filepath.Join(t.TempDir(), "absent.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}
