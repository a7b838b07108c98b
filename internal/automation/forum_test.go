package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseThread(t *testing.T) {
	links := []threadLink{
		{Href: "https://forum.example.com/viewtopic.php?t=1", Text: "Welcome to the board"},
		{Href: "https://forum.example.com/viewtopic.php?t=2", Text: "Best Project Management Tools in 2025"},
		{Href: "https://forum.example.com/viewtopic.php?t=3", Text: "Off-topic chat"},
	}

	tests := []struct {
		name    string
		keyword string
		want    string
	}{
		{"keyword matches case-insensitively", "project management", "https://forum.example.com/viewtopic.php?t=2"},
		{"first match wins", "o", "https://forum.example.com/viewtopic.php?t=1"},
		{"no match means create, not first-link fallback", "kubernetes", ""},
		{"empty keyword never matches", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chooseThread(links, tt.keyword))
		})
	}
}

func TestChooseThreadEmptyBoard(t *testing.T) {
	assert.Equal(t, "", chooseThread(nil, "golang"))
}
