package vfs_test

import (
	"testing"

	"resticvfs/internal/vfs"
)

func TestParsePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		want vfs.Request
	}{
		{name: "root", path: "/", want: vfs.Request{Kind: vfs.RequestRoot}},
		{name: "empty", path: "", want: vfs.Request{Kind: vfs.RequestRoot}},
		{name: "repository", path: "/nas", want: vfs.Request{Kind: vfs.RequestRepository, Repo: "nas"}},
		{name: "trailing slash", path: "/nas/", want: vfs.Request{Kind: vfs.RequestRepository, Repo: "nas"}},
		{name: "backslashes", path: `\nas\docs`, want: vfs.Request{Kind: vfs.RequestBackupPath, Repo: "nas", BackupPath: "docs"}},
		{name: "backup path", path: "/nas/docs", want: vfs.Request{Kind: vfs.RequestBackupPath, Repo: "nas", BackupPath: "docs"}},
		{
			name: "snapshot",
			path: "/nas/docs/2024-05-01 10-00-00 (aaaa1111)",
			want: vfs.Request{Kind: vfs.RequestSnapshot, Repo: "nas", BackupPath: "docs", Selector: "2024-05-01 10-00-00 (aaaa1111)"},
		},
		{
			name: "snapshot subdirectory",
			path: "/nas/docs/2024-05-01 10-00-00 (aaaa1111)/sub//deep.txt",
			want: vfs.Request{Kind: vfs.RequestSnapshot, Repo: "nas", BackupPath: "docs", Selector: "2024-05-01 10-00-00 (aaaa1111)", Rest: "sub/deep.txt"},
		},
		{
			name: "refresh",
			path: "/nas/docs/[Refresh]",
			want: vfs.Request{Kind: vfs.RequestRefresh, Repo: "nas", BackupPath: "docs", Selector: "[Refresh]"},
		},
		{
			name: "refresh with remainder",
			path: "/nas/docs/[Refresh]/x",
			want: vfs.Request{Kind: vfs.RequestInvalid, Repo: "nas", BackupPath: "docs", Selector: "[Refresh]", Rest: "x"},
		},
		{
			name: "merged root",
			path: "/nas/docs/[All Files]",
			want: vfs.Request{Kind: vfs.RequestMerged, Repo: "nas", BackupPath: "docs", Selector: "[All Files]"},
		},
		{
			name: "merged subdirectory",
			path: "/nas/docs/[All Files]/sub",
			want: vfs.Request{Kind: vfs.RequestMerged, Repo: "nas", BackupPath: "docs", Selector: "[All Files]", Rest: "sub"},
		},
		{
			name: "versions",
			path: "/nas/docs/[All Files]/sub/[v] deep.txt",
			want: vfs.Request{
				Kind: vfs.RequestVersions, Repo: "nas", BackupPath: "docs", Selector: "[All Files]",
				Rest: "sub/[v] deep.txt", PathBefore: "sub", FileName: "deep.txt",
			},
		},
		{
			name: "version selected",
			path: "/nas/docs/[All Files]/[v] a.txt/2024-05-01 10-00-00 (aaaa1111) a.txt",
			want: vfs.Request{
				Kind: vfs.RequestVersionSelected, Repo: "nas", BackupPath: "docs", Selector: "[All Files]",
				Rest: "[v] a.txt/2024-05-01 10-00-00 (aaaa1111) a.txt", FileName: "a.txt",
				AfterMarker: "2024-05-01 10-00-00 (aaaa1111) a.txt",
			},
		},
		{
			name: "first version marker wins",
			path: "/nas/docs/[All Files]/[v] a.txt/[v] b.txt",
			want: vfs.Request{
				Kind: vfs.RequestVersionSelected, Repo: "nas", BackupPath: "docs", Selector: "[All Files]",
				Rest: "[v] a.txt/[v] b.txt", FileName: "a.txt", AfterMarker: "[v] b.txt",
			},
		},
		{
			name: "empty version file name",
			path: "/nas/docs/[All Files]/[v] ",
			want: vfs.Request{
				Kind: vfs.RequestInvalid, Repo: "nas", BackupPath: "docs", Selector: "[All Files]",
				Rest: "[v] ",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := vfs.ParsePath(tt.path)
			if got != tt.want {
				t.Errorf("ParsePath(%q) =\n  %+v\nwant\n  %+v", tt.path, got, tt.want)
			}
		})
	}
}

func TestRequest_VersionFilePath(t *testing.T) {
	t.Parallel()

	if got := vfs.ParsePath("/r/b/[All Files]/[v] a.txt").VersionFilePath(); got != "a.txt" {
		t.Errorf("VersionFilePath() = %q, want %q", got, "a.txt")
	}
	if got := vfs.ParsePath("/r/b/[All Files]/x/y/[v] a.txt").VersionFilePath(); got != "x/y/a.txt" {
		t.Errorf("VersionFilePath() = %q, want %q", got, "x/y/a.txt")
	}
}

func TestRequestKind_String(t *testing.T) {
	t.Parallel()

	if got := vfs.RequestVersionSelected.String(); got != "version-selected" {
		t.Errorf("String() = %q, want %q", got, "version-selected")
	}
	if got := vfs.RequestKind(99).String(); got != "invalid" {
		t.Errorf("String() = %q, want %q", got, "invalid")
	}
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []string
		want string
	}{
		{nil, "/"},
		{[]string{"nas"}, "/nas"},
		{[]string{"/nas/", "docs", `a\b`}, "/nas/docs/a/b"},
		{[]string{"", "nas", ""}, "/nas"},
	}
	for _, tt := range tests {
		if got := vfs.JoinPath(tt.in...); got != tt.want {
			t.Errorf("JoinPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
