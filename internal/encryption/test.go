package encryption

import (
	"bytes"
	"fmt"
	"io"

	"resticvfs/internal/vfs"
)

// testHeader marks passwords sealed by TestKeyring.
var testHeader = []byte("RVFSTEST\x00")

// TestKeyring is a deterministic keyring for tests. Sealing prepends a fixed
// header; unlocking accepts only the passphrase given to Setup.
type TestKeyring struct {
	passphrase string
	configured bool
}

var _ vfs.Keyring = (*TestKeyring)(nil)

func NewTestKeyring() *TestKeyring {
	return &TestKeyring{}
}

func (k *TestKeyring) Setup(passphrase string) error {
	k.passphrase = passphrase
	k.configured = true
	return nil
}

func (k *TestKeyring) Seal(password []byte, w io.Writer) error {
	if _, err := w.Write(testHeader); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := w.Write(password); err != nil {
		return fmt.Errorf("writing password: %w", err)
	}
	return nil
}

func (k *TestKeyring) Unlock(passphrase string) (vfs.Unsealer, error) {
	if k.configured && passphrase != k.passphrase {
		return nil, fmt.Errorf("incorrect passphrase")
	}
	return &TestUnsealer{}, nil
}

func (k *TestKeyring) IsConfigured() bool {
	return true
}

func (k *TestKeyring) IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, testHeader)
}

// TestUnsealer strips the header added by TestKeyring.
type TestUnsealer struct{}

var _ vfs.Unsealer = (*TestUnsealer)(nil)

func (TestUnsealer) Unseal(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, testHeader) {
		return nil, fmt.Errorf("invalid test seal header")
	}
	return bytes.Clone(data[len(testHeader):]), nil
}
