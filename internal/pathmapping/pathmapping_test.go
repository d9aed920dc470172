package pathmapping

import (
	"context"
	"errors"
	"testing"

	"github.com/slipstream/dlsync/internal/testutil"
)

func TestTranslate(t *testing.T) {
	mappings := []*Mapping{
		{RemotePath: "/downloads/complete/books/", LocalPath: "/mnt/nas/books/"},
		{RemotePath: "/downloads/", LocalPath: "/mnt/nas/dl/"},
		{RemotePath: `D:\Torrents\`, LocalPath: "/srv/torrents"},
	}

	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"longest prefix wins", "/downloads/complete/books/Dune", "/mnt/nas/books/Dune", true},
		{"shorter prefix", "/downloads/other/file.mp3", "/mnt/nas/dl/other/file.mp3", true},
		{"case insensitive", "/Downloads/Complete/Books/Dune", "/mnt/nas/books/Dune", true},
		{"windows separators", `D:\Torrents\Author\Book.m4b`, "/srv/torrents/Author/Book.m4b", true},
		{"exact root", "/downloads", "/mnt/nas/dl", true},
		{"trailing slash kept", "/downloads/x/", "/mnt/nas/dl/x/", true},
		{"no match", "/elsewhere/book", "/elsewhere/book", false},
		{"partial component does not match", "/downloadsX/book", "/downloadsX/book", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Translate(mappings, tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("Translate(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestService_TranslatePath(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	svc := NewService(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	for _, m := range []*Mapping{
		{ClientID: "c1", RemotePath: "/data", LocalPath: "/local/data"},
		{ClientID: "c1", RemotePath: "/data/audiobooks", LocalPath: "/books"},
		{ClientID: "c2", RemotePath: "/data", LocalPath: "/other"},
	} {
		if err := svc.Create(ctx, m); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	if got := svc.TranslatePath(ctx, "c1", "/data/audiobooks/Dune"); got != "/books/Dune" {
		t.Errorf("TranslatePath() = %q, want /books/Dune", got)
	}
	if got := svc.TranslatePath(ctx, "c1", "/data/music/x.flac"); got != "/local/data/music/x.flac" {
		t.Errorf("TranslatePath() = %q", got)
	}
	if got := svc.TranslatePath(ctx, "c3", "/data/x"); got != "/data/x" {
		t.Errorf("TranslatePath() for unmapped client = %q", got)
	}
	if got := svc.TranslatePath(ctx, "c1", ""); got != "" {
		t.Errorf("TranslatePath(\"\") = %q", got)
	}

	list, err := svc.ListByClient(ctx, "c1")
	if err != nil {
		t.Fatalf("ListByClient() error = %v", err)
	}
	if len(list) != 2 || list[0].RemotePath != "/data/audiobooks/" {
		t.Errorf("ListByClient() order = %+v", list)
	}

	if err := svc.Delete(ctx, list[0].ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := svc.TranslatePath(ctx, "c1", "/data/audiobooks/Dune"); got != "/local/data/audiobooks/Dune" {
		t.Errorf("TranslatePath() after delete = %q", got)
	}
}

func TestService_CreateInvalid(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	svc := NewService(tdb.Conn, tdb.Logger)

	err := svc.Create(context.Background(), &Mapping{ClientID: "c1", RemotePath: "/x"})
	if !errors.Is(err, ErrInvalidMapping) {
		t.Errorf("Create() error = %v, want ErrInvalidMapping", err)
	}
}

func TestService_EnsureIsIdempotent(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	defer tdb.Close()
	svc := NewService(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	created, err := svc.Ensure(ctx, &Mapping{ClientID: "c1", RemotePath: `D:\Downloads`, LocalPath: "/mnt/d"})
	if err != nil || !created {
		t.Fatalf("first Ensure() = %v, %v", created, err)
	}
	created, err = svc.Ensure(ctx, &Mapping{ClientID: "c1", RemotePath: "d:/downloads/", LocalPath: "/other"})
	if err != nil || created {
		t.Fatalf("second Ensure() = %v, %v", created, err)
	}

	mappings, err := svc.ListByClient(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mappings) != 1 || mappings[0].LocalPath != "/mnt/d/" {
		t.Errorf("mappings = %+v", mappings)
	}
}
