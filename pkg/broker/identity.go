package broker

import "strings"

// IdentitySeparator joins the run-scoped and stable parts of a composite node id
const IdentitySeparator = ":"

// NodeIdentity is the typed form of a composite node id such as "12:abc".
// RunScopedID is the leading segment, StableSuffix everything after the first
// separator, and DisplayID the id the observer knows the node by.
type NodeIdentity struct {
	RunScopedID  string
	StableSuffix string
	DisplayID    string
}

// ParseNodeIdentity splits logicalID on its first separator. An empty
// displayID defaults to the leading segment.
func ParseNodeIdentity(logicalID, displayID string) NodeIdentity {
	id := NodeIdentity{RunScopedID: logicalID}
	if prefix, suffix, ok := strings.Cut(logicalID, IdentitySeparator); ok {
		id.RunScopedID = prefix
		id.StableSuffix = suffix
	}
	id.DisplayID = displayID
	if id.DisplayID == "" {
		id.DisplayID = id.RunScopedID
	}
	return id
}

// LogicalID reassembles the canonical key
func (n NodeIdentity) LogicalID() string {
	if n.StableSuffix == "" {
		return n.RunScopedID
	}
	return n.RunScopedID + IdentitySeparator + n.StableSuffix
}

// Aliases returns every token that should resolve to LogicalID: the logical id
// itself, each non-empty segment of a composite id, then the display id.
// Duplicates are dropped and order is stable.
func (n NodeIdentity) Aliases() []string {
	logical := n.LogicalID()
	tokens := []string{logical}
	if strings.Contains(logical, IdentitySeparator) {
		for _, seg := range strings.Split(logical, IdentitySeparator) {
			if seg != "" {
				tokens = append(tokens, seg)
			}
		}
	}
	if n.DisplayID != "" {
		tokens = append(tokens, n.DisplayID)
	}

	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (n NodeIdentity) String() string {
	return n.LogicalID() + " (display " + n.DisplayID + ")"
}

// aliasTable maps alias tokens to canonical ids. It is not safe for concurrent
// use on its own; the broker's mutex guards it.
type aliasTable map[string]string

// resolve returns the canonical id for token, or token itself when unmapped
func (t aliasTable) resolve(token string) string {
	if canonical, ok := t[token]; ok {
		return canonical
	}
	return token
}

// bind maps every token to canonical and calls move for each token that is
// not canonical itself so buffered data can follow the alias.
func (t aliasTable) bind(tokens []string, canonical string, move func(token string)) {
	for _, token := range tokens {
		t[token] = canonical
		if token != canonical {
			move(token)
		}
	}
	// canonical always resolves to itself even if an earlier bind pointed it elsewhere
	t[canonical] = canonical
}
