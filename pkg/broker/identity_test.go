package broker

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestParseNodeIdentity(t *testing.T) {
	tests := []struct {
		name      string
		logicalID string
		displayID string
		want      NodeIdentity
	}{
		{
			name:      "plain id",
			logicalID: "7",
			want:      NodeIdentity{RunScopedID: "7", DisplayID: "7"},
		},
		{
			name:      "composite id defaults display to prefix",
			logicalID: "12:abc",
			want:      NodeIdentity{RunScopedID: "12", StableSuffix: "abc", DisplayID: "12"},
		},
		{
			name:      "explicit display id",
			logicalID: "12:abc",
			displayID: "D1",
			want:      NodeIdentity{RunScopedID: "12", StableSuffix: "abc", DisplayID: "D1"},
		},
		{
			name:      "nested composite keeps remainder as suffix",
			logicalID: "3:9:17",
			want:      NodeIdentity{RunScopedID: "3", StableSuffix: "9:17", DisplayID: "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNodeIdentity(tt.logicalID, tt.displayID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseNodeIdentity() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.logicalID, got.LogicalID())
		})
	}
}

func TestNodeIdentityAliases(t *testing.T) {
	tests := []struct {
		name string
		id   NodeIdentity
		want []string
	}{
		{
			name: "plain id with same display",
			id:   ParseNodeIdentity("7", ""),
			want: []string{"7"},
		},
		{
			name: "composite id",
			id:   ParseNodeIdentity("12:abc", "D1"),
			want: []string{"12:abc", "12", "abc", "D1"},
		},
		{
			name: "display equal to prefix is deduplicated",
			id:   ParseNodeIdentity("12:abc", ""),
			want: []string{"12:abc", "12", "abc"},
		},
		{
			name: "empty segments skipped",
			id:   ParseNodeIdentity("5::x", "5"),
			want: []string{"5::x", "5", "x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.id.Aliases()); diff != "" {
				t.Errorf("Aliases() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAliasTableResolve(t *testing.T) {
	table := make(aliasTable)
	table.bind([]string{"12:abc", "12", "abc", "D1"}, "12:abc", func(string) {})

	for _, token := range []string{"12:abc", "12", "abc", "D1"} {
		assert.Equal(t, "12:abc", table.resolve(token), "token %s", token)
	}
	assert.Equal(t, "99", table.resolve("99"), "unmapped token resolves to itself")
}

func TestAliasTableResolveProperty(t *testing.T) {
	token := rapid.StringMatching(`[a-z0-9]{1,6}`)

	rapid.Check(t, func(rt *rapid.T) {
		tokens := rapid.SliceOfNDistinct(token, 1, 8, rapid.ID[string]).Draw(rt, "tokens")
		canonical := rapid.StringMatching(`[A-Z]{1,4}`).Draw(rt, "canonical")
		other := rapid.StringMatching(`_[a-z]{1,4}`).Draw(rt, "other")

		table := make(aliasTable)
		table.bind(tokens, canonical, func(string) {})

		for _, tok := range tokens {
			if got := table.resolve(tok); got != canonical {
				rt.Fatalf("resolve(%q) = %q, want %q", tok, got, canonical)
			}
		}
		if got := table.resolve(other); got != other {
			rt.Fatalf("resolve(%q) = %q, want identity", other, got)
		}
	})
}

func TestAliasesAlwaysIncludeLogicalAndDisplay(t *testing.T) {
	segment := rapid.StringMatching(`[a-z0-9]{1,4}`)

	rapid.Check(t, func(rt *rapid.T) {
		segs := rapid.SliceOfN(segment, 1, 4).Draw(rt, "segments")
		logical := strings.Join(segs, IdentitySeparator)
		display := rapid.StringMatching(`[A-Z0-9]{0,3}`).Draw(rt, "display")

		id := ParseNodeIdentity(logical, display)
		aliases := id.Aliases()

		if aliases[0] != logical {
			rt.Fatalf("first alias = %q, want logical id %q", aliases[0], logical)
		}
		seen := map[string]bool{}
		for _, a := range aliases {
			if a == "" {
				rt.Fatalf("empty alias in %v", aliases)
			}
			if seen[a] {
				rt.Fatalf("duplicate alias %q in %v", a, aliases)
			}
			seen[a] = true
		}
		if id.DisplayID != "" && !seen[id.DisplayID] {
			rt.Fatalf("display id %q missing from %v", id.DisplayID, aliases)
		}
	})
}
