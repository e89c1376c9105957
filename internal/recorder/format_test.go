package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/forcedaq/forcedaq/internal/daq"
)

func TestAppendRow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		ev   daq.Event
		want string
	}{
		{
			name: "force sample",
			ev: daq.ForceSample{DeviceID: 2, Time: 1234, Forces: daq.Forces{
				Fx: 1.23456, Fy: -0.5, Fz: 10, Tx: 9, Ty: 9, Tz: 9,
			}},
			want: "2,1234,1.2346,-0.5000,10.0000\n",
		},
		{
			name: "soft trigger",
			ev:   daq.SoftTrigger{Time: 55, Code: 7},
			want: "88,55,7,0,0\n",
		},
		{
			name: "command event",
			ev:   daq.CommandEvent{Time: 60, Raw: "$cmdstart"},
			want: "99,60,$cmdstart,0,0\n",
		},
		{
			name: "command event with embedded newlines",
			ev:   daq.CommandEvent{Time: 61, Raw: "note\r\nsecond line\nthird"},
			want: `99,61,note\r\nsecond line\nthird,0,0` + "\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(AppendRow(nil, tt.ev)))
		})
	}
}

func TestAppendRowReusesBuffer(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 0, 64)
	buf = AppendRow(buf, daq.SoftTrigger{Time: 1, Code: 1})
	buf = AppendRow(buf, daq.SoftTrigger{Time: 2, Code: 2})
	assert.Equal(t, "88,1,1,0,0\n88,2,2,0,0\n", string(buf))
}
