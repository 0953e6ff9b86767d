// Package registry holds the configured repositories and their credentials
// for one session.
package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"resticvfs/internal/config"
	"resticvfs/internal/vfs"
)

// Prompter asks the user for a secret.
type Prompter interface {
	Password(ctx context.Context, prompt string) ([]byte, error)
}

type repoEntry struct {
	repo         *vfs.Repository
	passwordFile string
}

// Registry implements vfs.RepoRegistry. Credentials come from the
// repository's password file, sealed or plain, or from the prompter, and are
// held in memory only.
type Registry struct {
	keyring  vfs.Keyring
	prompter Prompter
	logger   vfs.Logger

	mu       sync.Mutex
	repos    []repoEntry
	creds    map[string][]byte
	unsealer vfs.Unsealer
}

var _ vfs.RepoRegistry = (*Registry)(nil)

// New creates a Registry. keyring and prompter may be nil; without a
// keyring sealed password files cannot be read, without a prompter
// repositories need a password file.
func New(repos []config.RepositoryConfig, keyring vfs.Keyring, prompter Prompter, logger vfs.Logger) *Registry {
	r := &Registry{
		keyring:  keyring,
		prompter: prompter,
		logger:   logger,
		creds:    make(map[string][]byte),
	}
	for _, rc := range repos {
		r.repos = append(r.repos, repoEntry{
			repo:         &vfs.Repository{Name: rc.Name, Location: rc.Location},
			passwordFile: rc.PasswordFile,
		})
	}
	return r
}

func (r *Registry) FindByName(name string) *vfs.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.findLocked(name); e != nil {
		return e.repo
	}
	return nil
}

func (r *Registry) List() []*vfs.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*vfs.Repository, len(r.repos))
	for i, e := range r.repos {
		out[i] = e.repo
	}
	return out
}

// EnsureCredential loads the repository's credential unless one is already
// held. Loading is serialised so concurrent callers prompt once.
func (r *Registry) EnsureCredential(ctx context.Context, repo *vfs.Repository) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.creds[repo.Name]; ok {
		return true
	}
	e := r.findLocked(repo.Name)
	if e == nil {
		return false
	}

	cred, err := r.loadLocked(ctx, *e)
	if err != nil {
		r.logger.Warn("loading repository credential failed", "repo", repo.Name, "error", err)
		return false
	}
	r.creds[repo.Name] = cred
	r.logger.Debug("repository credential loaded", "repo", repo.Name)
	return true
}

func (r *Registry) Credential(repo *vfs.Repository) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.creds[repo.Name]
	if !ok {
		return nil
	}
	return bytes.Clone(cred)
}

func (r *Registry) InvalidateCredential(repo *vfs.Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cred, ok := r.creds[repo.Name]; ok {
		clear(cred)
		delete(r.creds, repo.Name)
		r.logger.Info("repository credential dropped", "repo", repo.Name)
	}
}

// ClearCredentials wipes every held credential and relocks the keyring.
func (r *Registry) ClearCredentials() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cred := range r.creds {
		clear(cred)
		delete(r.creds, name)
	}
	r.unsealer = nil
}

func (r *Registry) findLocked(name string) *repoEntry {
	for i := range r.repos {
		if r.repos[i].repo.Name == name {
			return &r.repos[i]
		}
	}
	return nil
}

func (r *Registry) loadLocked(ctx context.Context, e repoEntry) ([]byte, error) {
	if e.passwordFile == "" {
		if r.prompter == nil {
			return nil, vfs.ErrNoCredential
		}
		cred, err := r.prompter.Password(ctx, fmt.Sprintf("Password for repository %s: ", e.repo.Name))
		if err != nil {
			return nil, fmt.Errorf("prompting for password: %w", err)
		}
		if len(cred) == 0 {
			return nil, fmt.Errorf("empty password: %w", vfs.ErrNoCredential)
		}
		return cred, nil
	}

	data, err := os.ReadFile(e.passwordFile)
	if err != nil {
		return nil, fmt.Errorf("reading password file: %w", err)
	}
	defer clear(data)

	var cred []byte
	if r.keyring != nil && r.keyring.IsSealed(data) {
		u, err := r.unlockLocked(ctx)
		if err != nil {
			return nil, err
		}
		if cred, err = u.Unseal(data); err != nil {
			return nil, fmt.Errorf("unsealing password file %s: %w", e.passwordFile, err)
		}
	} else {
		cred = bytes.Clone(firstLine(data))
	}
	if len(cred) == 0 {
		return nil, fmt.Errorf("password file %s is empty: %w", e.passwordFile, vfs.ErrNoCredential)
	}
	return cred, nil
}

// unlockLocked unlocks the keyring once per session.
func (r *Registry) unlockLocked(ctx context.Context) (vfs.Unsealer, error) {
	if r.unsealer != nil {
		return r.unsealer, nil
	}
	if r.prompter == nil {
		return nil, errors.New("sealed password file needs a keyring passphrase but no prompter is available")
	}
	passphrase, err := r.prompter.Password(ctx, "Keyring passphrase: ")
	if err != nil {
		return nil, fmt.Errorf("prompting for keyring passphrase: %w", err)
	}
	defer clear(passphrase)

	u, err := r.keyring.Unlock(string(passphrase))
	if err != nil {
		return nil, fmt.Errorf("unlocking keyring: %w", err)
	}
	r.unsealer = u
	return u, nil
}

// firstLine returns data up to the first line break, as restic reads
// password files.
func firstLine(data []byte) []byte {
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return data[:i]
	}
	return data
}
