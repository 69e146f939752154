package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatReplyText(t *testing.T) {
	text := `
		Hello %s!

		Second line.
	`
	assert.Equal(t, "Hello world!\n\nSecond line.", formatReplyText(text, "world"))
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		command string
		args    []string
	}{
		{name: "bare command", input: "/start", command: "/start", args: []string{}},
		{name: "command with arg", input: "/bag summer-trip", command: "/bag", args: []string{"summer-trip"}},
		{name: "command with multiple args", input: "/bagtype carry on", command: "/bagtype", args: []string{"carry", "on"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, args := parseCommand(tt.input)
			assert.Equal(t, tt.command, command)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestPluralize(t *testing.T) {
	assert.Equal(t, "1 item", pluralize("item", "items", 1))
	assert.Equal(t, "2 items", pluralize("item", "items", 2))
	assert.Equal(t, "0 items", pluralize("item", "items", 0))
}
