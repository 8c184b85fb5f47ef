package crypto

import (
	"testing"
)

func BenchmarkKeyHasher_Hash(b *testing.B) {
	hasher, err := NewKeyHasher(100000, 16, 32)
	if err != nil {
		b.Fatal(err)
	}
	plaintext := GenerateToken(24)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := hasher.Hash(plaintext); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkKeyHasher_Verify(b *testing.B) {
	hasher, err := NewKeyHasher(100000, 16, 32)
	if err != nil {
		b.Fatal(err)
	}
	plaintext := GenerateToken(24)
	encoded, _ := hasher.Hash(plaintext)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		valid, err := hasher.Verify(plaintext, encoded)
		if err != nil || !valid {
			b.Fatalf("verify failed: %v", err)
		}
	}
}
