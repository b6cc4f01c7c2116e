// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

// meshbus-keygen manages identity material for bus attachments:
// ECDSA-P256 keypairs, self-signed and CA-issued identity
// certificates, SPEKE claim secrets, and passphrase-sealed private
// key exports.
package main

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/meshbus-foundation/meshbus/security/cert"
	"github.com/meshbus-foundation/meshbus/security/permission"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:])
	case "cert":
		return runCert(args[1:])
	case "show":
		return runShow(args[1:])
	case "speke-secret":
		return runSpekeSecret()
	case "seal":
		return runSeal(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: meshbus-keygen <subcommand> [flags]

subcommands:
  keygen        generate an ECDSA-P256 keypair (PEM to stdout or files)
  cert          issue an identity certificate for a subject key
  show          decode and print a certificate PEM
  speke-secret  generate a SPEKE claim secret
  seal          encrypt a private key PEM with a passphrase
`)
}

func runKeygen(args []string) error {
	flags := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	keyOut := flags.String("out", "", "write the private key to this file (default stdout)")
	publicOut := flags.String("pub", "", "also write the public key to this file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	keyPEM, err := cert.EncodePrivateKeyPEM(key)
	if err != nil {
		return err
	}
	if *keyOut == "" {
		os.Stdout.Write(keyPEM)
	} else if err := os.WriteFile(*keyOut, keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if *publicOut != "" {
		publicPEM, err := cert.EncodePublicKeyPEM(&key.PublicKey)
		if err != nil {
			return err
		}
		if err := os.WriteFile(*publicOut, publicPEM, 0o644); err != nil {
			return fmt.Errorf("writing public key: %w", err)
		}
	}
	return nil
}

func runCert(args []string) error {
	flags := pflag.NewFlagSet("cert", pflag.ContinueOnError)
	subjectKeyPath := flags.String("subject-key", "", "subject private key PEM (public part goes into the certificate)")
	issuerKeyPath := flags.String("issuer-key", "", "issuer private key PEM (defaults to subject key: self-signed)")
	issuerOU := flags.String("issuer-ou", "", "issuer organizational unit")
	issuerCN := flags.String("issuer-cn", "", "issuer common name")
	subjectOU := flags.String("subject-ou", "", "subject organizational unit")
	subjectCN := flags.String("subject-cn", "", "subject common name")
	validYears := flags.Int("valid-years", 10, "validity window in years from now")
	isCA := flags.Bool("ca", false, "set the basic-constraints CA flag")
	out := flags.String("out", "", "write the certificate PEM to this file (default stdout)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *subjectKeyPath == "" {
		return fmt.Errorf("--subject-key is required")
	}

	subjectKey, err := loadKey(*subjectKeyPath)
	if err != nil {
		return err
	}
	issuerKey := subjectKey
	if *issuerKeyPath != "" {
		if issuerKey, err = loadKey(*issuerKeyPath); err != nil {
			return err
		}
	}

	serial := make([]byte, 20)
	if _, err := rand.Read(serial); err != nil {
		return fmt.Errorf("generating serial: %w", err)
	}
	// Keep the serial positive as a DER INTEGER.
	serial[0] &= 0x7f

	now := time.Now().UTC()
	certificate := &cert.Certificate{
		SerialNumber: serial,
		Issuer:       cert.DistinguishedName{OU: *issuerOU, CN: *issuerCN},
		Subject:      cert.DistinguishedName{OU: *subjectOU, CN: *subjectCN},
		NotBefore:    now.Unix(),
		NotAfter:     now.AddDate(*validYears, 0, 0).Unix(),
		PublicKey:    &subjectKey.PublicKey,
		IsCA:         *isCA,
	}
	if err := certificate.Sign(issuerKey); err != nil {
		return err
	}
	pemBytes, err := certificate.EncodePEM()
	if err != nil {
		return err
	}
	if *out == "" {
		os.Stdout.Write(pemBytes)
		return nil
	}
	if err := os.WriteFile(*out, pemBytes, 0o644); err != nil {
		return fmt.Errorf("writing certificate: %w", err)
	}
	return nil
}

func runShow(args []string) error {
	flags := pflag.NewFlagSet("show", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: meshbus-keygen show <certificate.pem>")
	}
	data, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("reading certificate: %w", err)
	}
	certificate, err := cert.DecodePEM(data)
	if err != nil {
		return err
	}
	fmt.Printf("serial:     %x\n", certificate.SerialNumber)
	fmt.Printf("issuer:     OU=%s CN=%s\n", certificate.Issuer.OU, certificate.Issuer.CN)
	fmt.Printf("subject:    OU=%s CN=%s\n", certificate.Subject.OU, certificate.Subject.CN)
	fmt.Printf("not-before: %s\n", time.Unix(certificate.NotBefore, 0).UTC().Format(time.RFC3339))
	fmt.Printf("not-after:  %s\n", time.Unix(certificate.NotAfter, 0).UTC().Format(time.RFC3339))
	fmt.Printf("ca:         %v\n", certificate.IsCA)
	return nil
}

func runSpekeSecret() error {
	secret, err := permission.GenerateSPEKESecret()
	if err != nil {
		return err
	}
	fmt.Println(secret)
	return nil
}

func runSeal(args []string) error {
	flags := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	out := flags.String("out", "", "write the sealed key to this file (default stdout)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: meshbus-keygen seal <private-key.pem>")
	}
	data, err := os.ReadFile(flags.Arg(0))
	if err != nil {
		return fmt.Errorf("reading private key: %w", err)
	}
	// Validate before sealing so a typo'd path fails loudly.
	if _, err := cert.DecodePrivateKeyPEM(data); err != nil {
		return err
	}

	passphrase, err := readPassphrase()
	if err != nil {
		return err
	}
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("building recipient: %w", err)
	}

	destination := io.Writer(os.Stdout)
	if *out != "" {
		file, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("opening output: %w", err)
		}
		defer file.Close()
		destination = file
	}
	writer, err := age.Encrypt(destination, recipient)
	if err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("sealing key: %w", err)
	}
	return nil
}

// readPassphrase prompts twice on the terminal, or reads one line
// from stdin when it is not a terminal (scripted use).
func readPassphrase() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		var passphrase string
		if _, err := fmt.Fscanln(os.Stdin, &passphrase); err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return passphrase, nil
	}

	fmt.Fprint(os.Stderr, "passphrase: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	fmt.Fprint(os.Stderr, "confirm passphrase: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passphrases do not match")
	}
	if strings.TrimSpace(string(first)) == "" {
		return "", fmt.Errorf("empty passphrase")
	}
	return string(first), nil
}

func loadKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key %s: %w", path, err)
	}
	return cert.DecodePrivateKeyPEM(data)
}
