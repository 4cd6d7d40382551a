package ref

import (
	"errors"
	"testing"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		link  string
		kind  Kind
		owner int64
		item  int64
	}{
		{name: "wall", link: "https://vk.com/wall-12345_678", kind: KindWall, owner: -12345, item: 678},
		{name: "wall positive owner", link: "https://vk.com/wall98_7", kind: KindWall, owner: 98, item: 7},
		{name: "market", link: "https://vk.com/market-111_222", kind: KindMarket, owner: -111, item: 222},
		{name: "wall with query", link: "https://vk.com/club1?w=wall-1_42", kind: KindWall, owner: -1, item: 42},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.link)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.link, err)
			}
			if got.Kind != tt.kind || got.OwnerID != tt.owner || got.ItemID != tt.item {
				t.Fatalf("Parse(%q) = %+v, want kind=%s owner=%d item=%d", tt.link, got, tt.kind, tt.owner, tt.item)
			}
		})
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()
	for _, link := range []string{"", "https://example.com/post/5", "wall_12", "not a url"} {
		_, err := Parse(link)
		if err == nil {
			t.Fatalf("Parse(%q) expected error", link)
		}
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("Parse(%q) error type = %T, want *ValidationError", link, err)
		}
	}
}

func TestKey(t *testing.T) {
	t.Parallel()
	r, err := Parse("https://vk.com/wall-5_77")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got := r.Key(); got != "wall-5_77" {
		t.Fatalf("Key() = %q, want wall-5_77", got)
	}
}
