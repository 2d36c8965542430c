package net

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeralLocalAddr(t *testing.T) {
	addr, err := EphemeralLocalAddr()
	require.NoError(t, err)
	assert.Regexp(t, `^127\.0\.0\.1:\d+$`, addr)

	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	l.Close()
}
