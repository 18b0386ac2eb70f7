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

package fixtures

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestEmbeddedKeysParse(t *testing.T) {
	for name, pem := range PEMBytes {
		signer, err := ssh.ParsePrivateKey(pem)
		require.NoError(t, err, "key %v", name)

		pub, _, _, _, err := ssh.ParseAuthorizedKey(AuthorizedBytes[name])
		require.NoError(t, err, "public key %v", name)

		// The authorized form must be the public half of the private key.
		require.Equal(t, signer.PublicKey().Marshal(), pub.Marshal(), "key %v", name)
	}
}

func TestWrite(t *testing.T) {
	paths, err := Write(t.TempDir())
	require.NoError(t, err)

	for _, path := range append(paths.HostKeyPaths(), paths.ClientKey, paths.KnownHosts) {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}

	signers, err := paths.HostSigners()
	require.NoError(t, err)
	require.Len(t, signers, 2)
}

func TestKnownHostsVerifiesHostKey(t *testing.T) {
	paths, err := Write(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, paths.AddKnownHost("127.0.0.1", 2022))

	callback, err := knownhosts.New(paths.KnownHosts)
	require.NoError(t, err)

	signers, err := paths.HostSigners()
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2022}
	for _, signer := range signers {
		require.NoError(t, callback("127.0.0.1:2022", addr, signer.PublicKey()))
	}

	// A key the file has never seen is rejected.
	stranger, err := GenerateSigner()
	require.NoError(t, err)
	require.Error(t, callback("127.0.0.1:2022", addr, stranger.PublicKey()))
}
