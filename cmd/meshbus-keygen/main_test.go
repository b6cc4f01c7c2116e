// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshbus-foundation/meshbus/security/cert"
)

func TestKeygenAndSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id.pem")
	publicPath := filepath.Join(dir, "id.pub.pem")
	certPath := filepath.Join(dir, "id.cert.pem")

	if err := run([]string{"keygen", "--out", keyPath, "--pub", publicPath}); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("reading key: %v", err)
	}
	key, err := cert.DecodePrivateKeyPEM(keyData)
	if err != nil {
		t.Fatalf("decoding key: %v", err)
	}

	if err := run([]string{"cert",
		"--subject-key", keyPath,
		"--issuer-ou", "Door", "--issuer-cn", "Root",
		"--subject-ou", "Door", "--subject-cn", "Leaf",
		"--valid-years", "5",
		"--out", certPath,
	}); err != nil {
		t.Fatalf("cert: %v", err)
	}

	certData, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("reading cert: %v", err)
	}
	certificate, err := cert.DecodePEM(certData)
	if err != nil {
		t.Fatalf("decoding cert: %v", err)
	}
	if certificate.Subject.CN != "Leaf" || certificate.Issuer.OU != "Door" {
		t.Fatalf("names = %+v / %+v", certificate.Subject, certificate.Issuer)
	}
	if err := certificate.Verify(&key.PublicKey); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if err := run([]string{"show", certPath}); err != nil {
		t.Fatalf("show: %v", err)
	}
}

func TestRunRejectsUnknownSubcommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown subcommand") {
		t.Fatalf("err = %v", err)
	}
}

func TestSpekeSecretSubcommand(t *testing.T) {
	if err := run([]string{"speke-secret"}); err != nil {
		t.Fatalf("speke-secret: %v", err)
	}
}
