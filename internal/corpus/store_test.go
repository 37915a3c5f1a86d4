package corpus

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
)

// fakeEmbedder maps known texts to fixed vectors so similarity ranking is
// predictable in tests.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, fmt.Errorf("embedder down")
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func newTestStore(t *testing.T, e Embedder) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "corpora.db"), e)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndCount(t *testing.T) {
	s := newTestStore(t, &fakeEmbedder{})

	if err := s.Insert(Counsel, "first", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := s.Insert(Counsel, "second", []float32{0, 1, 0}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	if err := s.Insert(Empathy, "other corpus", []float32{0, 0, 1}); err != nil {
		t.Fatalf("Insert error: %v", err)
	}

	n, err := s.Count(Counsel)
	if err != nil {
		t.Fatalf("Count error: %v", err)
	}
	if n != 2 {
		t.Errorf("counsel count = %d, want 2", n)
	}
	n, _ = s.Count(Empathy)
	if n != 1 {
		t.Errorf("empathy count = %d, want 1", n)
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	e := &fakeEmbedder{vectors: map[string][]float32{
		"anxiety at night": {1, 0, 0},
	}}
	s := newTestStore(t, e)

	s.Insert(Counsel, "close match", []float32{0.9, 0.1, 0})
	s.Insert(Counsel, "far match", []float32{0, 1, 0})
	s.Insert(Counsel, "middle match", []float32{0.5, 0.5, 0})

	got, err := s.Search(context.Background(), Counsel, "anxiety at night", 2)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d passages, want 2", len(got))
	}
	if got[0].Text != "close match" {
		t.Errorf("top passage = %q, want close match", got[0].Text)
	}
	if got[1].Text != "middle match" {
		t.Errorf("second passage = %q, want middle match", got[1].Text)
	}
	if got[0].Score < got[1].Score {
		t.Error("scores should be descending")
	}
}

func TestSearch_ScopedToCorpus(t *testing.T) {
	s := newTestStore(t, &fakeEmbedder{})

	s.Insert(Counsel, "counsel passage", []float32{1, 0, 0})
	s.Insert(Empathy, "empathy passage", []float32{1, 0, 0})

	got, err := s.Search(context.Background(), Empathy, "anything", 10)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "empathy passage" {
		t.Errorf("expected only the empathy passage, got %+v", got)
	}
}

func TestSearch_EmptyCorpus(t *testing.T) {
	s := newTestStore(t, &fakeEmbedder{})

	got, err := s.Search(context.Background(), Counsel, "anything", 3)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no passages, got %d", len(got))
	}
}

func TestSearch_EmbedderFailure(t *testing.T) {
	s := newTestStore(t, &fakeEmbedder{fail: true})

	if _, err := s.Search(context.Background(), Counsel, "anything", 1); err == nil {
		t.Error("expected error when embedder is down")
	}
}

func TestView(t *testing.T) {
	s := newTestStore(t, &fakeEmbedder{})
	s.Insert(Counsel, "hello", []float32{1, 0, 0})

	v := s.View(Counsel)
	got, err := v.Search(context.Background(), "hi", 1)
	if err != nil {
		t.Fatalf("View.Search error: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d passages, want 1", len(got))
	}
}
