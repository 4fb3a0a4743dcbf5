package hash

import (
	"testing"
)

func TestSHA256(t *testing.T) {
	tests := []struct {
		input []byte
		want  string
	}{
		{
			[]byte("hello"),
			"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			[]byte(""),
			"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			got := SHA256(tt.input)
			if got != tt.want {
				t.Errorf("SHA256(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestSHA256String(t *testing.T) {
	got := SHA256String("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	if got != want {
		t.Errorf("SHA256String(hello) = %s, want %s", got, want)
	}
}

func TestSHA256Short(t *testing.T) {
	hash := SHA256([]byte("hello"))

	tests := []struct {
		n    int
		want string
	}{
		{8, hash[:8]},
		{16, hash[:16]},
		{64, hash},  // full hash
		{100, hash}, // exceeds length, returns full
	}

	for _, tt := range tests {
		got := SHA256Short([]byte("hello"), tt.n)
		if got != tt.want {
			t.Errorf("SHA256Short(hello, %d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestTokensKey(t *testing.T) {
	k1 := TokensKey([]string{"paris", "is", "in", "[MASK]"}, []int{1, 0, 0, 0})
	k2 := TokensKey([]string{"paris", "is", "in", "[MASK]"}, []int{1, 0, 0, 0})
	if k1 != k2 {
		t.Errorf("TokensKey not deterministic: %s != %s", k1, k2)
	}

	if k1 == TokensKey([]string{"paris", "is", "in", "[MASK]"}, []int{0, 1, 0, 0}) {
		t.Error("TokensKey should depend on mask")
	}

	if TokensKey([]string{"a b"}, nil) == TokensKey([]string{"a", "b"}, nil) {
		t.Error("TokensKey should separate tokens")
	}

	if len(k1) != 32 {
		t.Errorf("TokensKey length = %d, want 32", len(k1))
	}
}

func BenchmarkTokensKey(b *testing.B) {
	tokens := []string{"alan", "turing", "was", "born", "in", "[MASK]", "."}
	mask := []int{1, 1, 0, 0, 0, 0, 0}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		TokensKey(tokens, mask)
	}
}
