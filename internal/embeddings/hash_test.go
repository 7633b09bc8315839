package embeddings

import (
	"context"
	"errors"
	"math"
	"testing"
)

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func TestNewHashProvider_Defaults(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}
	defer p.Close()

	if p.Dimension() != 384 {
		t.Errorf("Dimension() = %d, want 384", p.Dimension())
	}
}

func TestNewHashProvider_NegativeDimension(t *testing.T) {
	_, err := NewHashProvider(HashConfig{Dimension: -1})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "erc20 token transfer")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	b, err := p.EmbedQuery(ctx, "erc20 token transfer")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embeddings differ at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestHashProvider_Normalized(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}

	vec, err := p.EmbedQuery(context.Background(), "staking vault with withdrawal delay")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 384 {
		t.Fatalf("len(vec) = %d, want 384", len(vec))
	}

	norm := math.Sqrt(dot(vec, vec))
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector norm = %v, want 1.0", norm)
	}
}

func TestHashProvider_TokenOverlapRanksHigher(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}
	ctx := context.Background()

	vecs, err := p.EmbedDocuments(ctx, []string{
		"erc20 token transfer",
		"erc20 token mint",
		"staking rewards vault",
	})
	if err != nil {
		t.Fatalf("EmbedDocuments() error = %v", err)
	}

	query, overlapping, disjoint := vecs[0], vecs[1], vecs[2]
	if got, want := dot(query, overlapping), dot(query, disjoint); got <= want {
		t.Errorf("overlap similarity %v not greater than disjoint similarity %v", got, want)
	}
}

func TestHashProvider_CaseAndPunctuationInsensitive(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}
	ctx := context.Background()

	a, err := p.EmbedQuery(ctx, "ERC20 Token, Transfer!")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	b, err := p.EmbedQuery(ctx, "erc20 token transfer")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}

	if sim := dot(a, b); math.Abs(sim-1.0) > 1e-5 {
		t.Errorf("similarity = %v, want 1.0", sim)
	}
}

func TestHashProvider_NoTokensStillUnitVector(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}

	vec, err := p.EmbedQuery(context.Background(), "...!!!")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}

	norm := math.Sqrt(dot(vec, vec))
	if math.Abs(norm-1.0) > 1e-5 {
		t.Errorf("vector norm = %v, want 1.0", norm)
	}
}

func TestHashProvider_EmptyInput(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}
	ctx := context.Background()

	if _, err := p.EmbedDocuments(ctx, nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("EmbedDocuments(nil) error = %v, want ErrEmptyInput", err)
	}
	if _, err := p.EmbedQuery(ctx, ""); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("EmbedQuery(\"\") error = %v, want ErrEmptyInput", err)
	}
}

func TestHashProvider_ContextCanceled(t *testing.T) {
	p, err := NewHashProvider(HashConfig{})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.EmbedDocuments(ctx, []string{"text"}); !errors.Is(err, context.Canceled) {
		t.Errorf("EmbedDocuments() error = %v, want context.Canceled", err)
	}
}

func TestHashProvider_CustomDimension(t *testing.T) {
	p, err := NewHashProvider(HashConfig{Dimension: 64})
	if err != nil {
		t.Fatalf("NewHashProvider() error = %v", err)
	}

	if p.Dimension() != 64 {
		t.Errorf("Dimension() = %d, want 64", p.Dimension())
	}

	vec, err := p.EmbedQuery(context.Background(), "erc20")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vec) != 64 {
		t.Errorf("len(vec) = %d, want 64", len(vec))
	}
}
