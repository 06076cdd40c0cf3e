package selector

import (
	"math"
	"math/rand"
	"testing"

	"castbot/internal/domain"
)

type item struct {
	name string
	w    int
}

func (i item) ItemWeight() int { return i.w }

func TestSampleDistribution(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(42))
	pool := []item{{"a", 3}, {"b", 1}}

	const draws = 4000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		got := Sample(r, pool, 1)
		if len(got) != 1 {
			t.Fatalf("draw %d returned %d items", i, len(got))
		}
		counts[got[0].name]++
	}
	share := float64(counts["a"]) / draws
	if math.Abs(share-0.75) > 0.05 {
		t.Fatalf("share of a = %.3f, want 0.75 +/- 0.05 (counts=%v)", share, counts)
	}
}

func TestSampleEdges(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(7))

	tests := []struct {
		name string
		pool []item
		k    int
		want int
	}{
		{name: "empty pool", pool: nil, k: 3, want: 0},
		{name: "all zero weight", pool: []item{{"a", 0}, {"b", 0}}, k: 1, want: 0},
		{name: "k zero", pool: []item{{"a", 1}}, k: 0, want: 0},
		{name: "k above pool", pool: []item{{"a", 1}, {"b", 2}, {"c", 3}}, k: 10, want: 3},
		{name: "zero weight skipped", pool: []item{{"a", 0}, {"b", 2}, {"c", 3}}, k: 10, want: 2},
		{name: "single item", pool: []item{{"a", 5}}, k: 1, want: 1},
	}
	for _, tt := range tests {
		got := Sample(r, tt.pool, tt.k)
		if len(got) != tt.want {
			t.Fatalf("%s: got %d items, want %d", tt.name, len(got), tt.want)
		}
		seen := map[string]bool{}
		for _, it := range got {
			if it.w <= 0 {
				t.Fatalf("%s: zero-weight item %q selected", tt.name, it.name)
			}
			if seen[it.name] {
				t.Fatalf("%s: item %q selected twice", tt.name, it.name)
			}
			seen[it.name] = true
		}
	}
}

func TestSampleZeroWeightNeverSelected(t *testing.T) {
	t.Parallel()
	r := rand.New(rand.NewSource(1))
	pool := []item{{"never", 0}, {"x", 1}, {"y", 1}}
	for i := 0; i < 1000; i++ {
		for _, it := range Sample(r, pool, 2) {
			if it.name == "never" {
				t.Fatal("zero-weight item selected")
			}
		}
	}
}

func testContent() domain.CategoryContent {
	return domain.CategoryContent{
		Slug: "news",
		Media: []domain.MediaItem{
			{ID: 1, Kind: domain.MediaPhoto, FileID: "p1", Weight: 1},
		},
		Copy: []domain.CopyItem{
			{ID: 10, Text: "hello", Weight: 1},
		},
		Buttons: []domain.Button{
			{ID: 100, Label: "low", URL: "https://a", Weight: 1},
			{ID: 101, Label: "high", URL: "https://b", Weight: 5},
			{ID: 102, Label: "off", URL: "https://c", Weight: 0},
		},
		Spoiler: true,
	}
}

func TestRegularMediaXorCopy(t *testing.T) {
	t.Parallel()
	s := New(rand.NewSource(3))
	c := testContent()
	var media, copies int
	for i := 0; i < 500; i++ {
		p := s.Regular(c)
		if (p.Media == nil) == (p.Copy == nil) {
			t.Fatalf("payload must carry exactly one of media or copy: %+v", p)
		}
		if p.Media != nil {
			media++
			if !p.Spoiler {
				t.Fatal("spoiler flag not carried for media")
			}
		} else {
			copies++
		}
		if len(p.Buttons) != 2 || p.Buttons[0].Label != "high" {
			t.Fatalf("buttons = %+v, want active buttons by weight", p.Buttons)
		}
	}
	if media == 0 || copies == 0 {
		t.Fatalf("expected both kinds over 500 draws, media=%d copy=%d", media, copies)
	}
}

func TestRegularButtonCap(t *testing.T) {
	t.Parallel()
	s := New(rand.NewSource(5))
	c := testContent()
	c.ButtonCap = 1
	p := s.Regular(c)
	if len(p.Buttons) != 1 {
		t.Fatalf("buttons = %d, want 1", len(p.Buttons))
	}
	if p.Buttons[0].Weight == 0 {
		t.Fatal("zero-weight button selected")
	}
}

func TestRegularEmptyCategory(t *testing.T) {
	t.Parallel()
	s := New(rand.NewSource(5))
	if p := s.Regular(domain.CategoryContent{Slug: "empty"}); !p.IsEmpty() {
		t.Fatalf("payload = %+v, want empty", p)
	}
}

func TestWelcomeModes(t *testing.T) {
	t.Parallel()
	s := New(rand.NewSource(9))

	tests := []struct {
		mode                    domain.WelcomeMode
		media, copy, hasButtons bool
	}{
		{mode: domain.WelcomeText, copy: true},
		{mode: domain.WelcomeMedia, media: true},
		{mode: domain.WelcomeButtons, hasButtons: true},
		{mode: domain.WelcomeAll, media: true, copy: true, hasButtons: true},
		{mode: domain.WelcomeNone},
	}
	for _, tt := range tests {
		c := testContent()
		c.Welcome.Mode = tt.mode
		p := s.Welcome(c)
		if (p.Media != nil) != tt.media || (p.Copy != nil) != tt.copy || (len(p.Buttons) > 0) != tt.hasButtons {
			t.Fatalf("mode %s: payload %+v", tt.mode, p)
		}
	}
}

func TestWelcomeFixedText(t *testing.T) {
	t.Parallel()
	s := New(rand.NewSource(11))
	c := testContent()
	c.Welcome = domain.WelcomeConfig{Mode: domain.WelcomeText, Text: "welcome aboard"}
	p := s.Welcome(c)
	if p.Copy == nil || p.Copy.Text != "welcome aboard" {
		t.Fatalf("copy = %+v, want fixed welcome text", p.Copy)
	}
	if p.Media != nil || len(p.Buttons) != 0 {
		t.Fatalf("text mode must not carry media or buttons: %+v", p)
	}
}
