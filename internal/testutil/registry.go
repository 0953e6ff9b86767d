package testutil

import (
	"bytes"
	"context"
	"sync"

	"resticvfs/internal/vfs"
)

// FakeRegistry is an in-memory vfs.RepoRegistry. Each repository's password
// is "pw-<name>" unless denied.
type FakeRegistry struct {
	mu            sync.Mutex
	repos         []*vfs.Repository
	held          map[string][]byte
	denied        map[string]bool
	invalidations map[string]int
}

var _ vfs.RepoRegistry = (*FakeRegistry)(nil)

// NewFakeRegistry registers one repository per name at location "/srv/<name>".
func NewFakeRegistry(names ...string) *FakeRegistry {
	r := &FakeRegistry{
		held:          make(map[string][]byte),
		denied:        make(map[string]bool),
		invalidations: make(map[string]int),
	}
	for _, n := range names {
		r.repos = append(r.repos, &vfs.Repository{Name: n, Location: "/srv/" + n})
	}
	return r
}

// Deny makes EnsureCredential fail for name.
func (r *FakeRegistry) Deny(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied[name] = true
}

func (r *FakeRegistry) FindByName(name string) *vfs.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, repo := range r.repos {
		if repo.Name == name {
			return repo
		}
	}
	return nil
}

func (r *FakeRegistry) List() []*vfs.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*vfs.Repository(nil), r.repos...)
}

func (r *FakeRegistry) EnsureCredential(_ context.Context, repo *vfs.Repository) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied[repo.Name] {
		return false
	}
	if _, ok := r.held[repo.Name]; !ok {
		r.held[repo.Name] = []byte("pw-" + repo.Name)
	}
	return true
}

func (r *FakeRegistry) Credential(repo *vfs.Repository) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.held[repo.Name]; ok {
		return bytes.Clone(c)
	}
	return nil
}

func (r *FakeRegistry) InvalidateCredential(repo *vfs.Repository) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, repo.Name)
	r.invalidations[repo.Name]++
}

func (r *FakeRegistry) ClearCredentials() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held = make(map[string][]byte)
}

// Holds reports whether a credential is held for name.
func (r *FakeRegistry) Holds(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[name]
	return ok
}

// Invalidations returns how often the credential for name was dropped.
func (r *FakeRegistry) Invalidations(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalidations[name]
}
