package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectMatchesUsesNFKCNormalizedEquality(t *testing.T) {
	assert.True(t, subjectMatches("Quote   Request", "quote request"))
	assert.False(t, subjectMatches("Quote Request A", "Quote Request B"))
}

func TestRecipientMatchesSetIntersection(t *testing.T) {
	assert.True(t, recipientMatches("Jane Doe <jane@example.com>, Bob <bob@example.com>", "jane@example.com"))
	assert.False(t, recipientMatches("jane@example.com", "bob@example.com"))
}

func TestContainsTransientSubstring(t *testing.T) {
	assert.True(t, containsTransientSubstring("dial tcp: i/o timeout"))
	assert.True(t, containsTransientSubstring("Connection reset by peer"))
	assert.True(t, containsTransientSubstring("server busy, try again"))
	assert.False(t, containsTransientSubstring("invalid recipient address"))
}
