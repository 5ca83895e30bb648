package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionRegistry(t *testing.T) {
	r := NewConnectionRegistry()
	var conns []*Connection
	for _, id := range []uint64{3, 1, 2} {
		server, client := net.Pipe()
		t.Cleanup(func() {
			server.Close()
			client.Close()
		})
		c := NewConnection(id, server, nil, Auth{})
		r.Register(c)
		conns = append(conns, c)
	}

	assert.Equal(t, 3, r.Count())
	snap := r.Snapshot()
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{snap[0].ID(), snap[1].ID(), snap[2].ID()})

	r.Unregister(2)
	assert.Equal(t, 2, r.Count())

	r.CloseAll()
	for _, c := range conns {
		if c.ID() != 2 {
			assert.True(t, c.Closed())
		}
	}
	assert.False(t, conns[2].Closed(), "unregistered connections are left alone")
}
