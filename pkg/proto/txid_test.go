package proto

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTxID(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want uint16
	}{
		{name: "zero", msg: []byte{0x00, 0x00}, want: 0},
		{name: "big endian", msg: []byte{0x12, 0x34, 0xff}, want: 0x1234},
		{name: "max", msg: []byte{0xff, 0xff, 0x01, 0x00}, want: 0xffff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReadTxID(tt.msg))
		})
	}
}

func TestWriteTxID(t *testing.T) {
	msg := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	WriteTxID(msg, 0x0102)

	assert.Equal(t, []byte{0x01, 0x02, 0xcc, 0xdd}, msg, "only the first two bytes change")
	assert.Equal(t, uint16(0x0102), ReadTxID(msg))
}

func TestTxIDMatchesWireFormat(t *testing.T) {
	m := new(dns.Msg)
	m.SetQuestion("www.example.com.", dns.TypeA)
	m.Id = 0xbeef

	packed, err := m.Pack()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbeef), ReadTxID(packed))

	WriteTxID(packed, 0x0042)
	out := new(dns.Msg)
	require.NoError(t, out.Unpack(packed))
	assert.Equal(t, uint16(0x0042), out.Id)
	assert.Equal(t, "www.example.com.", out.Question[0].Name)
}

func TestHasTxID(t *testing.T) {
	assert.False(t, HasTxID(nil))
	assert.False(t, HasTxID([]byte{0x01}))
	assert.True(t, HasTxID([]byte{0x01, 0x02}))
}

func TestReadTxIDShortMessagePanics(t *testing.T) {
	assert.Panics(t, func() { ReadTxID([]byte{0x01}) })
}
