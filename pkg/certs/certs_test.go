// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T, dir, name string, serial int64) Pair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	kb, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	p := Pair{
		CertFile: filepath.Join(dir, name+".crt"),
		KeyFile:  filepath.Join(dir, name+".key"),
	}
	if err := os.WriteFile(p.CertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p.KeyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func serial(t *testing.T, c *tls.Certificate) int64 {
	t.Helper()
	leaf, err := x509.ParseCertificate(c.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	return leaf.SerialNumber.Int64()
}

func TestNewStore_Errors(t *testing.T) {
	if _, err := NewStore(nil, nil); !errors.Is(err, ErrNoCertificates) {
		t.Errorf("NewStore(nil) error = %v, want %v", err, ErrNoCertificates)
	}
	dir := t.TempDir()
	if _, err := NewStore([]Pair{{CertFile: filepath.Join(dir, "x.crt"), KeyFile: filepath.Join(dir, "x.key")}}, nil); err == nil {
		t.Error("NewStore() with missing files succeeded")
	}
}

func TestStore_GetCertificate(t *testing.T) {
	dir := t.TempDir()
	a := writePair(t, dir, "a.example.com", 1)
	b := writePair(t, dir, "b.example.com", 2)

	s, err := NewStore([]Pair{a, b}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	cases := []struct {
		name string
		sni  string
		want int64
	}{
		{"default without sni", "", 1},
		{"first pair", "a.example.com", 1},
		{"second pair", "b.example.com", 2},
		{"unknown falls back", "c.example.com", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hello := &tls.ClientHelloInfo{
				ServerName:        tc.sni,
				SignatureSchemes:  []tls.SignatureScheme{tls.ECDSAWithP256AndSHA256},
				SupportedVersions: []uint16{tls.VersionTLS13},
				SupportedCurves:   []tls.CurveID{tls.CurveP256},
			}
			c, err := s.GetCertificate(hello)
			if err != nil {
				t.Fatalf("GetCertificate() error = %v", err)
			}
			if got := serial(t, c); got != tc.want {
				t.Errorf("serial = %d, want %d", got, tc.want)
			}
		})
	}

	if cfg := s.TLSConfig(0); cfg.MinVersion != tls.VersionTLS12 || cfg.GetCertificate == nil {
		t.Error("TLSConfig() is not bound to the store")
	}
}

func TestStore_Watch(t *testing.T) {
	dir := t.TempDir()
	p := writePair(t, dir, "watch.example.com", 1)
	s, err := NewStore([]Pair{p}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writePair(t, dir, "watch.example.com", 7)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c, _ := s.GetCertificate(&tls.ClientHelloInfo{})
		if serial(t, c) == 7 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("certificate was not reloaded")
}
