package ctlproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Command
	}{
		{"Drain\n", CmdDrain},
		{"Drop\n", CmdDrop},
		{"Pause\n", CmdPause},
		{"Resume\n", CmdResume},
		{"Drain", CmdDrain}, // newline optional
		{"  Pause  \n", CmdPause},
		{"nonsense", CmdUnknown},
		{"", CmdUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Parse([]byte(tt.in)), "input %q", tt.in)
	}
}

func TestEncodeIsNewlineTerminated(t *testing.T) {
	assert.Equal(t, []byte("Drain\n"), Encode(CmdDrain))
	assert.Equal(t, CmdDrain, Parse(Encode(CmdDrain)))
}

func TestReplyInvalidIsSevenBytes(t *testing.T) {
	assert.Len(t, ReplyInvalid, 7)
}
