package nametranslate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeDirectory struct {
	mu   sync.Mutex
	data map[string][]byte // index + "\x00" + key -> value
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{data: make(map[string][]byte)}
}

func (f *fakeDirectory) k(key, index string) string { return index + "\x00" + key }

func (f *fakeDirectory) Get(ctx context.Context, key, index string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[f.k(key, index)], nil
}

func (f *fakeDirectory) PutSync(ctx context.Context, key, index string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[f.k(key, index)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeDirectory) TryLock(ctx context.Context, key, index string, ttl time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeDirectory) Unlock(ctx context.Context, key, index string) error { return nil }

func (f *fakeDirectory) List(ctx context.Context, index string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	prefix := index + "\x00"
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	return out, nil
}

func TestSanitiseIdentityBranch(t *testing.T) {
	if got := Sanitise("widgets_v2"); got != "widgets_v2" {
		t.Fatalf("Sanitise(%q) = %q", "widgets_v2", got)
	}
}

func TestSanitiseEncodesIllegalNames(t *testing.T) {
	got := Sanitise("Widgets With Spaces")
	if !strings.HasSuffix(got, "w32") {
		t.Fatalf("Sanitise(%q) = %q, want w32 suffix", "Widgets With Spaces", got)
	}
	if got != strings.ToLower(got) {
		t.Fatalf("Sanitise(%q) = %q, want all lower-case", "Widgets With Spaces", got)
	}
}

func TestSanitiseEncodesNamesThatWouldCollideWithW32Suffix(t *testing.T) {
	got := Sanitise("alreadyw32")
	if got == "alreadyw32" {
		t.Fatalf("Sanitise should not return a name already ending in w32 unencoded")
	}
}

func TestInternalIndexShortNameIsDirect(t *testing.T) {
	tr := New(newFakeDirectory(), "app", 128)
	idx, err := tr.InternalIndex(context.Background(), "widgets")
	if err != nil {
		t.Fatalf("InternalIndex: %v", err)
	}
	if idx != "app_widgets" {
		t.Fatalf("InternalIndex = %q, want %q", idx, "app_widgets")
	}
}

func TestInternalIndexLongNameMintsDirectoryEntry(t *testing.T) {
	dir := newFakeDirectory()
	tr := New(dir, "app", 12) // forces truncation: the sanitised long name below far exceeds 12

	longName := "a very long category name that will not fit"
	idx, err := tr.InternalIndex(context.Background(), longName)
	if err != nil {
		t.Fatalf("InternalIndex: %v", err)
	}
	if !strings.HasPrefix(idx, "app_") {
		t.Fatalf("InternalIndex = %q, want app_ prefix", idx)
	}

	// Calling again for the same name must reuse the same directory
	// entry rather than minting a second UUID.
	idx2, err := tr.InternalIndex(context.Background(), longName)
	if err != nil {
		t.Fatalf("InternalIndex (2nd call): %v", err)
	}
	if idx != idx2 {
		t.Fatalf("InternalIndex minted a second entry for an already-directoried name: %q != %q", idx, idx2)
	}

	recovered, err := tr.CategoryName(context.Background(), idx)
	if err != nil {
		t.Fatalf("CategoryName: %v", err)
	}
	if recovered != longName {
		t.Fatalf("CategoryName = %q, want %q", recovered, longName)
	}
}

func TestCategoryNameInvertsShortNames(t *testing.T) {
	tr := New(newFakeDirectory(), "app", 128)
	name, err := tr.CategoryName(context.Background(), "app_widgets")
	if err != nil {
		t.Fatalf("CategoryName: %v", err)
	}
	if name != "widgets" {
		t.Fatalf("CategoryName = %q, want %q", name, "widgets")
	}
}
