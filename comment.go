package cvehub

import (
	"regexp"
	"time"
)

// MaxCommentDepth is the hard cap on comment nesting. Replies past the cap
// are rejected, not clipped.
const MaxCommentDepth = 10

// Comment is one entry in a CVE's flat comment list. Threading is encoded
// with ParentID and a precomputed Depth; the tree is reconstructed on read.
type Comment struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedBy string    `json:"created_by"`
	ParentID  string    `json:"parent_id,omitempty"`
	Depth     int       `json:"depth"`
	IsDeleted bool      `json:"is_deleted"`
	Mentions  []string  `json:"mentions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9._-]*)`)

// ExtractMentions returns the distinct @usernames found in a comment body,
// in order of first appearance.
func ExtractMentions(content string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
