package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"resticvfs/internal/config"
	"resticvfs/internal/encryption"
	"resticvfs/internal/vfs"
)

type fakePrompter struct {
	mu      sync.Mutex
	answers map[string]string
	prompts []string
	err     error
}

func (p *fakePrompter) Password(_ context.Context, prompt string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, prompt)
	if p.err != nil {
		return nil, p.err
	}
	return []byte(p.answers[prompt]), nil
}

func (p *fakePrompter) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestRegistry_FindAndList(t *testing.T) {
	r := New([]config.RepositoryConfig{
		{Name: "nas", Location: "sftp:nas:/srv"},
		{Name: "local", Location: "/mnt/backup"},
	}, nil, nil, vfs.NewNopLogger())

	if got := r.FindByName("nas"); got == nil || got.Location != "sftp:nas:/srv" {
		t.Errorf("FindByName(nas) = %+v, want sftp:nas:/srv", got)
	}
	if got := r.FindByName("missing"); got != nil {
		t.Errorf("FindByName(missing) = %+v, want nil", got)
	}

	list := r.List()
	if len(list) != 2 || list[0].Name != "nas" || list[1].Name != "local" {
		t.Errorf("List() = %+v, want nas, local in config order", list)
	}

	list[0] = &vfs.Repository{Name: "cloud", Location: "s3:bucket"}
	if got := r.List(); got[0].Name != "nas" {
		t.Errorf("List()[0] = %+v after caller modified its copy, want nas", got[0])
	}
	if got := r.FindByName("cloud"); got != nil {
		t.Errorf("FindByName(cloud) = %+v, want nil for a name outside the configuration", got)
	}
}

func TestRegistry_PlainPasswordFile(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "pw", []byte("s3cret\nignored second line\n"))
	r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv", PasswordFile: path}}, nil, nil, vfs.NewNopLogger())
	repo := r.FindByName("nas")

	if !r.EnsureCredential(ctx, repo) {
		t.Fatal("EnsureCredential() = false, want true")
	}
	got := r.Credential(repo)
	if string(got) != "s3cret" {
		t.Errorf("Credential() = %q, want %q", got, "s3cret")
	}

	// The returned slice is a copy.
	clear(got)
	if string(r.Credential(repo)) != "s3cret" {
		t.Error("zeroing the returned credential changed the held one")
	}
}

func TestRegistry_SealedPasswordFile(t *testing.T) {
	ctx := context.Background()
	keyring := encryption.NewTestKeyring()
	if err := keyring.Setup("master"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	var sealed bytes.Buffer
	if err := keyring.Seal([]byte("sealed-pw"), &sealed); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	pathA := writeFile(t, "a.age", sealed.Bytes())
	pathB := writeFile(t, "b.age", sealed.Bytes())

	prompter := &fakePrompter{answers: map[string]string{"Keyring passphrase: ": "master"}}
	r := New([]config.RepositoryConfig{
		{Name: "a", Location: "/a", PasswordFile: pathA},
		{Name: "b", Location: "/b", PasswordFile: pathB},
	}, keyring, prompter, vfs.NewNopLogger())

	for _, name := range []string{"a", "b"} {
		repo := r.FindByName(name)
		if !r.EnsureCredential(ctx, repo) {
			t.Fatalf("EnsureCredential(%s) = false, want true", name)
		}
		if got := string(r.Credential(repo)); got != "sealed-pw" {
			t.Errorf("Credential(%s) = %q, want %q", name, got, "sealed-pw")
		}
	}
	if prompter.count() != 1 {
		t.Errorf("prompted %d times, want 1 keyring unlock", prompter.count())
	}

	// Clearing relocks the keyring.
	r.ClearCredentials()
	if !r.EnsureCredential(ctx, r.FindByName("a")) {
		t.Fatal("EnsureCredential() after clear = false")
	}
	if prompter.count() != 2 {
		t.Errorf("prompted %d times after clear, want 2", prompter.count())
	}
}

func TestRegistry_SealedWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	keyring := encryption.NewTestKeyring()
	keyring.Setup("master")
	var sealed bytes.Buffer
	keyring.Seal([]byte("pw"), &sealed)
	path := writeFile(t, "a.age", sealed.Bytes())

	prompter := &fakePrompter{answers: map[string]string{"Keyring passphrase: ": "wrong"}}
	r := New([]config.RepositoryConfig{{Name: "a", Location: "/a", PasswordFile: path}}, keyring, prompter, vfs.NewNopLogger())

	if r.EnsureCredential(ctx, r.FindByName("a")) {
		t.Error("EnsureCredential() = true with wrong keyring passphrase")
	}
	if r.Credential(r.FindByName("a")) != nil {
		t.Error("Credential() != nil after failed unlock")
	}
}

func TestRegistry_Prompt(t *testing.T) {
	ctx := context.Background()
	prompter := &fakePrompter{answers: map[string]string{"Password for repository nas: ": "typed"}}
	r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv"}}, nil, prompter, vfs.NewNopLogger())
	repo := r.FindByName("nas")

	if !r.EnsureCredential(ctx, repo) {
		t.Fatal("EnsureCredential() = false, want true")
	}
	if !r.EnsureCredential(ctx, repo) {
		t.Fatal("second EnsureCredential() = false, want true")
	}
	if prompter.count() != 1 {
		t.Errorf("prompted %d times, want 1", prompter.count())
	}

	r.InvalidateCredential(repo)
	if r.Credential(repo) != nil {
		t.Error("Credential() != nil after InvalidateCredential()")
	}
	if !r.EnsureCredential(ctx, repo) {
		t.Fatal("EnsureCredential() after invalidate = false")
	}
	if prompter.count() != 2 {
		t.Errorf("prompted %d times after invalidate, want 2", prompter.count())
	}
}

func TestRegistry_NoCredentialSource(t *testing.T) {
	ctx := context.Background()

	t.Run("no prompter", func(t *testing.T) {
		r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv"}}, nil, nil, vfs.NewNopLogger())
		if r.EnsureCredential(ctx, r.FindByName("nas")) {
			t.Error("EnsureCredential() = true without any credential source")
		}
	})

	t.Run("prompt cancelled", func(t *testing.T) {
		prompter := &fakePrompter{err: errors.New("cancelled")}
		r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv"}}, nil, prompter, vfs.NewNopLogger())
		if r.EnsureCredential(ctx, r.FindByName("nas")) {
			t.Error("EnsureCredential() = true after cancelled prompt")
		}
	})

	t.Run("empty answer", func(t *testing.T) {
		prompter := &fakePrompter{answers: map[string]string{}}
		r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv"}}, nil, prompter, vfs.NewNopLogger())
		if r.EnsureCredential(ctx, r.FindByName("nas")) {
			t.Error("EnsureCredential() = true for empty password")
		}
	})

	t.Run("missing password file", func(t *testing.T) {
		r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv", PasswordFile: "/nonexistent/pw"}}, nil, nil, vfs.NewNopLogger())
		if r.EnsureCredential(ctx, r.FindByName("nas")) {
			t.Error("EnsureCredential() = true for missing password file")
		}
	})

	t.Run("unknown repository", func(t *testing.T) {
		r := New(nil, nil, nil, vfs.NewNopLogger())
		if r.EnsureCredential(ctx, &vfs.Repository{Name: "ghost"}) {
			t.Error("EnsureCredential() = true for unknown repository")
		}
	})
}

func TestRegistry_ConcurrentEnsurePromptsOnce(t *testing.T) {
	ctx := context.Background()
	prompter := &fakePrompter{answers: map[string]string{"Password for repository nas: ": "pw"}}
	r := New([]config.RepositoryConfig{{Name: "nas", Location: "/srv"}}, nil, prompter, vfs.NewNopLogger())
	repo := r.FindByName("nas")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.EnsureCredential(ctx, repo)
		}()
	}
	wg.Wait()

	if prompter.count() != 1 {
		t.Errorf("prompted %d times, want 1", prompter.count())
	}
}
