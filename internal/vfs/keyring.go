package vfs

import "io"

// Keyring seals repository password files at rest. Sealed files are opened
// with an Unsealer obtained by unlocking the keyring with its passphrase.
type Keyring interface {
	// Setup creates the key pair, protecting the private half with passphrase.
	Setup(passphrase string) error

	// Seal writes password to w in sealed form.
	Seal(password []byte, w io.Writer) error

	Unlock(passphrase string) (Unsealer, error)
	IsConfigured() bool

	// IsSealed reports whether data was produced by Seal.
	IsSealed(data []byte) bool
}

// Unsealer opens sealed password files.
type Unsealer interface {
	Unseal(data []byte) ([]byte, error)
}
