package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twohreichel/NeuroQuantumDB-sub003/core/dberror"
)

func TestLRUPolicyOrder(t *testing.T) {
	p := NewLRUPolicy()
	p.Touch(0)
	p.Touch(1)
	p.Touch(2)
	p.Touch(0)

	v, ok := p.Victim()
	require.True(t, ok)
	require.Equal(t, 1, v)

	p.Remove(2)
	v, ok = p.Victim()
	require.True(t, ok)
	require.Equal(t, 0, v)

	_, ok = p.Victim()
	require.False(t, ok)
}

func TestClockPolicySecondChance(t *testing.T) {
	p := NewClockPolicy(3)
	p.Touch(0)
	p.Touch(1)
	p.Touch(2)

	v, ok := p.Victim()
	require.True(t, ok)
	require.Equal(t, 0, v)

	p.Touch(1)
	v, ok = p.Victim()
	require.True(t, ok)
	require.Equal(t, 2, v)

	p.Remove(1)
	_, ok = p.Victim()
	require.False(t, ok)
}

func TestNewEvictionPolicy(t *testing.T) {
	p, err := NewEvictionPolicy("CLOCK", 4)
	require.NoError(t, err)
	require.Equal(t, "clock", p.Name())

	_, err = NewEvictionPolicy("random", 4)
	require.ErrorIs(t, err, dberror.ErrInvalidConfig)
}
