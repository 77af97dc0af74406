// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tombee/cascade/pkg/errors"
)

const testPassphrase = "correct-horse-battery"

func TestCipherRoundtrip(t *testing.T) {
	c, err := NewCipher(testPassphrase)
	require.NoError(t, err)

	values := []interface{}{
		"s3cr3t-token",
		42.0,
		map[string]interface{}{"user": "admin", "pass": "hunter2-hunter2"},
		[]interface{}{"a", "b"},
		nil,
	}
	for _, v := range values {
		envelope, err := c.EncryptValue(v)
		require.NoError(t, err)
		assert.True(t, IsEnvelope(envelope))

		plain, err := c.DecryptValue(envelope)
		require.NoError(t, err)
		assert.Equal(t, v, plain)
	}
}

func TestCipherNonceFreshness(t *testing.T) {
	c, err := NewCipher(testPassphrase)
	require.NoError(t, err)

	first, err := c.EncryptValue("same-plaintext")
	require.NoError(t, err)
	second, err := c.EncryptValue("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, first["data"], second["data"])
}

func TestCipherWeakKey(t *testing.T) {
	_, err := NewCipher("short")
	var se *errors.SecurityError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, errors.PolicyWeakKey, se.Policy)
}

func TestCipherWrongKey(t *testing.T) {
	c1, err := NewCipher(testPassphrase)
	require.NoError(t, err)
	c2, err := NewCipher("a-different-passphrase")
	require.NoError(t, err)

	envelope, err := c1.EncryptValue("secret")
	require.NoError(t, err)

	_, err = c2.DecryptValue(envelope)
	var pe *errors.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "decrypt", pe.Op)
}

func TestEncryptInputsSelective(t *testing.T) {
	c, err := NewCipher(testPassphrase)
	require.NoError(t, err)

	inputs := map[string]interface{}{
		"target": "prod",
		"token":  "s3cr3t",
	}
	sealed, err := c.EncryptInputs(inputs, []string{"token"})
	require.NoError(t, err)

	assert.Equal(t, "prod", sealed["target"])
	assert.True(t, IsEnvelope(sealed["token"]))

	opened, err := c.DecryptInputs(sealed)
	require.NoError(t, err)
	assert.Equal(t, inputs, opened)
}

func TestEncryptInputsNilCipher(t *testing.T) {
	var c *Cipher

	inputs := map[string]interface{}{"token": "plain"}
	sealed, err := c.EncryptInputs(inputs, []string{"token"})
	require.NoError(t, err)
	assert.Equal(t, inputs, sealed)

	opened, err := c.DecryptInputs(sealed)
	require.NoError(t, err)
	assert.Equal(t, inputs, opened)
}

// Secrets declared for the workflow must never hit the database file in
// the clear.
func TestSQLiteEncryptionAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(SQLiteConfig{Path: path, EncryptionKey: testPassphrase})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Init(ctx))

	s.SetWorkflowSecrets("deploy", []string{"password"})

	r := sampleRun("run-1")
	require.NoError(t, s.SaveRun(ctx, r))

	loaded, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2-hunter2", loaded.Inputs["password"])
	assert.Equal(t, "prod", loaded.Inputs["target"])
	require.NoError(t, s.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var raw string
	require.NoError(t, db.QueryRow(`SELECT inputs FROM runs WHERE run_id = ?`, "run-1").Scan(&raw))
	assert.NotContains(t, raw, "hunter2-hunter2")
	assert.Contains(t, raw, `"encrypted":true`)
	assert.Contains(t, raw, "prod")
}

func TestSQLiteWeakEncryptionKeyRejected(t *testing.T) {
	_, err := NewSQLiteStore(SQLiteConfig{
		Path:          filepath.Join(t.TempDir(), "runs.db"),
		EncryptionKey: "short",
	})
	var se *errors.SecurityError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, errors.PolicyWeakKey, se.Policy)
}
