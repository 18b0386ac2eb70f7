/*
Copyright 2026 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package fixtures ships the SSH key material the harness tests with
// and materializes it into a working directory on demand.
package fixtures

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Paths points at the key files a call to Write materialized.
type Paths struct {
	// Dir is the directory holding all of the files below.
	Dir string
	// RSAHostKey and Ed25519HostKey are the server host key files.
	RSAHostKey     string
	Ed25519HostKey string
	// ClientKey is the private key client roles authenticate with,
	// ClientAuthorizedKey its authorized_keys form the server trusts.
	ClientKey           string
	ClientAuthorizedKey string
	// KnownHosts is the shared known_hosts file client roles verify
	// host keys against. Starts empty; AddKnownHost appends entries.
	KnownHosts string
}

// HostKeyPaths returns the host key files in the order servers load them.
func (p *Paths) HostKeyPaths() []string {
	return []string{p.RSAHostKey, p.Ed25519HostKey}
}

// Write materializes the embedded key fixtures into dir with 0600
// permissions and creates an empty shared known_hosts file next to them.
func Write(dir string) (*Paths, error) {
	p := &Paths{
		Dir:                 dir,
		RSAHostKey:          filepath.Join(dir, "rsa_host_key"),
		Ed25519HostKey:      filepath.Join(dir, "ed25519_host_key"),
		ClientKey:           filepath.Join(dir, "client_key"),
		ClientAuthorizedKey: filepath.Join(dir, "client_key.pub"),
		KnownHosts:          filepath.Join(dir, "known_hosts"),
	}
	files := map[string][]byte{
		p.RSAHostKey:          PEMBytes["rsa-host"],
		p.Ed25519HostKey:      PEMBytes["ed25519-host"],
		p.ClientKey:           PEMBytes["rsa-client"],
		p.ClientAuthorizedKey: AuthorizedBytes["rsa-client"],
		p.KnownHosts:          nil,
	}
	for path, data := range files {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, trace.ConvertSystemError(err)
		}
	}
	return p, nil
}

// AddKnownHost appends known_hosts entries for every host key of a
// server listening on addr:port, so clients can verify it.
func (p *Paths) AddKnownHost(addr string, port int) error {
	f, err := os.OpenFile(p.KnownHosts, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()

	hostport := net.JoinHostPort(addr, strconv.Itoa(port))
	for _, name := range []string{"rsa-host", "ed25519-host"} {
		key, _, _, _, err := ssh.ParseAuthorizedKey(AuthorizedBytes[name])
		if err != nil {
			return trace.Wrap(err, "parsing %v public key", name)
		}
		line := knownhosts.Line([]string{hostport}, key)
		if _, err := fmt.Fprintln(f, line); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

// HostSigners parses the host key files into signers, in file order.
func (p *Paths) HostSigners() ([]ssh.Signer, error) {
	var signers []ssh.Signer
	for _, path := range p.HostKeyPaths() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, trace.ConvertSystemError(err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, trace.Wrap(err, "parsing host key %v", path)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// GenerateSigner makes a throwaway ed25519 signer for tests that need
// key material distinct from the embedded fixtures.
func GenerateSigner() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signer, nil
}
