package importer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// =============================================================================
// FILE SECURITY SCANNER
// =============================================================================
// Heuristic malware detection for uploaded files, layered:
//   (a) magic-byte signatures of executables, archives and scripts
//   (b) regex patterns for script/SQL/path-traversal/command injection
//   (c) behavioral checks (empty file, oversized, absurd first line)
//   (d) external clamscan when available on the host
//   (e) Shannon entropy of the content (>7.5 suggests packed payload)
// Any detected threat quarantines the file; import never parses it.

// malwareSignatures are magic-byte prefixes of file types that must never
// arrive as CSV uploads.
var malwareSignatures = []struct {
	Name  string
	Bytes []byte
}{
	{"windows executable (MZ)", []byte{0x4D, 0x5A}},
	{"ELF executable", []byte{0x7F, 0x45, 0x4C, 0x46}},
	{"Mach-O executable", []byte{0xCA, 0xFE, 0xBA, 0xBE}},
	{"ZIP archive", []byte{0x50, 0x4B, 0x03, 0x04}},
	{"RAR archive", []byte{0x52, 0x61, 0x72, 0x21}},
	{"shell script (sh)", []byte("#!/bin/sh")},
	{"shell script (bash)", []byte("#!/bin/bash")},
	{"PHP script", []byte("<?php")},
}

// suspiciousPatterns flag injection indicators inside textual content.
var suspiciousPatterns = []struct {
	Name    string
	Pattern *regexp.Regexp
}{
	{"script tag", regexp.MustCompile(`(?i)<script[\s>]`)},
	{"javascript URI", regexp.MustCompile(`(?i)javascript:`)},
	{"eval call", regexp.MustCompile(`(?i)\beval\s*\(`)},
	{"command substitution", regexp.MustCompile("\\$\\(|`[^`]+`")},
	{"SQL injection", regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table|insert\s+into|delete\s+from)\b`)},
	{"path traversal", regexp.MustCompile(`\.\./|\.\.\\`)},
	{"system file access", regexp.MustCompile(`(?i)/etc/passwd|/etc/shadow`)},
	{"URL-encoded payload", regexp.MustCompile(`(?i)%3cscript|%2e%2e%2f`)},
	{"hex-encoded payload", regexp.MustCompile(`(?i)\\x[0-9a-f]{2}(\\x[0-9a-f]{2}){7,}`)},
}

const (
	// maxScanFileSize rejects anything too large to be a credible import.
	maxScanFileSize = 100 * 1024 * 1024

	// maxFirstLineLength flags CSV/TXT files whose first line cannot be a
	// sane header row.
	maxFirstLineLength = 1000

	// entropyThreshold flags content that looks compressed or encrypted.
	entropyThreshold = 7.5

	// patternScanLimit bounds how much content the regex pass inspects.
	patternScanLimit = 1024 * 1024
)

// ScanResult is the outcome of a malware scan.
type ScanResult struct {
	IsClean bool     `json:"is_clean"`
	Threats []string `json:"threats,omitempty"`
}

// SecurityScanner performs the layered malware heuristics.
type SecurityScanner struct {
	clamscanPath string // empty when clamscan is not installed
}

// NewSecurityScanner creates a scanner, probing the host for clamscan once.
func NewSecurityScanner() *SecurityScanner {
	s := &SecurityScanner{}
	if path, err := exec.LookPath("clamscan"); err == nil {
		s.clamscanPath = path
		log.Printf("[SecurityScanner] external scanner available: %s", path)
	}
	return s
}

// ScanFile runs every heuristic layer against the file at path and collects
// all threats found.
func (s *SecurityScanner) ScanFile(ctx context.Context, path string) (*ScanResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	result := &ScanResult{IsClean: true}
	addThreat := func(format string, args ...interface{}) {
		result.IsClean = false
		result.Threats = append(result.Threats, fmt.Sprintf(format, args...))
	}

	// Behavioral checks come first: they need no content read.
	if info.Size() == 0 {
		addThreat("empty file")
		return result, nil
	}
	if info.Size() > maxScanFileSize {
		addThreat("file exceeds %d bytes (%d)", maxScanFileSize, info.Size())
		return result, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file for scanning: %w", err)
	}

	for _, sig := range malwareSignatures {
		if bytes.HasPrefix(content, sig.Bytes) {
			addThreat("malware signature detected: %s", sig.Name)
		}
	}

	scanContent := content
	if len(scanContent) > patternScanLimit {
		scanContent = scanContent[:patternScanLimit]
	}
	for _, sp := range suspiciousPatterns {
		if sp.Pattern.Match(scanContent) {
			addThreat("suspicious pattern detected: %s", sp.Name)
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".csv" || ext == ".txt" {
		if line := firstLine(content); len(line) > maxFirstLineLength {
			addThreat("first line exceeds %d characters (%d)", maxFirstLineLength, len(line))
		}
	}

	if entropy := shannonEntropy(content); entropy > entropyThreshold {
		addThreat("high entropy content (%.2f): possible packed or encrypted payload", entropy)
	}

	if s.clamscanPath != "" {
		if threat, infected := s.runClamscan(ctx, path); infected {
			addThreat("clamscan: %s", threat)
		}
	}

	return result, nil
}

// runClamscan shells out to the host scanner. Exit code 1 means infected;
// anything else (including scanner errors) is treated as clean so a broken
// clamav install cannot block imports.
func (s *SecurityScanner) runClamscan(ctx context.Context, path string) (string, bool) {
	scanCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(scanCtx, s.clamscanPath, "--no-summary", path)
	output, err := cmd.Output()
	if err == nil {
		return "", false
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		line := strings.TrimSpace(string(output))
		if line == "" {
			line = "infected"
		}
		return line, true
	}
	log.Printf("[SecurityScanner] clamscan failed for %s: %v", path, err)
	return "", false
}

func firstLine(content []byte) []byte {
	reader := bufio.NewReader(bytes.NewReader(content))
	line, _ := reader.ReadBytes('\n')
	return bytes.TrimRight(line, "\r\n")
}

// shannonEntropy measures bits of entropy per byte over the content.
func shannonEntropy(content []byte) float64 {
	if len(content) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range content {
		counts[b]++
	}
	total := float64(len(content))
	var entropy float64
	for _, count := range counts {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
