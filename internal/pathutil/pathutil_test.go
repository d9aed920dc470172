package pathutil

import "testing"

func TestNormalizeRemote(t *testing.T) {
	tests := []struct{ in, want string }{
		{`C:\Downloads\Books`, "C:/Downloads/Books"},
		{"  /data/books  ", "/data/books"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeRemote(tt.in); got != tt.want {
			t.Errorf("NormalizeRemote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWithTrailingSlash(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/data", "/data/"},
		{"/data///", "/data/"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := WithTrailingSlash(tt.in); got != tt.want {
			t.Errorf("WithTrailingSlash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHasPrefixFold(t *testing.T) {
	if !HasPrefixFold("/Data/Books/x", "/data/books/") {
		t.Error("expected case-insensitive prefix match")
	}
	if HasPrefixFold("/da", "/data") {
		t.Error("shorter string cannot have the prefix")
	}
}

func TestTrailingComponents(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"/remote/complete/Author/Book", 2, "Author/Book"},
		{"/remote/complete/Author/Book/", 1, "Book"},
		{`D:\dl\Book`, 2, "dl/Book"},
		{"/Book", 2, ""},
		{"/Book", 0, ""},
	}
	for _, tt := range tests {
		if got := TrailingComponents(tt.in, tt.n); got != tt.want {
			t.Errorf("TrailingComponents(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
