package fleet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func concurrentOf(procs ...Process) *ConcurrentProcess {
	return &ConcurrentProcess{procs: procs}
}

func TestPollFirstFailureWins(t *testing.T) {
	cp := concurrentOf(
		&fakeProc{code: 0},
		&fakeProc{code: 0},
		&fakeProc{code: 7},
		&fakeProc{code: 0},
		&fakeProc{code: 3},
	)
	code, ok := cp.Poll()
	require.True(t, ok)
	assert.Equal(t, 7, code, "combined status is the first non-zero in member order")
}

func TestPollWhileMemberRuns(t *testing.T) {
	slow := &fakeProc{code: 5, running: true}
	cp := concurrentOf(&fakeProc{code: 0}, slow)

	_, ok := cp.Poll()
	assert.False(t, ok)

	slow.running = false
	code, ok := cp.Poll()
	require.True(t, ok)
	assert.Equal(t, 5, code)
}

func TestPollCachedAfterResolution(t *testing.T) {
	a := &fakeProc{code: 2}
	b := &fakeProc{code: 0}
	cp := concurrentOf(a, b)

	code, ok := cp.Poll()
	require.True(t, ok)
	require.Equal(t, 2, code)
	pollsA, pollsB := a.polls, b.polls

	for i := 0; i < 3; i++ {
		code, ok = cp.Poll()
		require.True(t, ok)
		assert.Equal(t, 2, code)
	}
	assert.Equal(t, pollsA, a.polls, "resolved poll must not re-query members")
	assert.Equal(t, pollsB, b.polls, "resolved poll must not re-query members")
}

func TestWaitJoinsEveryMember(t *testing.T) {
	a := &fakeProc{code: 0, running: true}
	b := &fakeProc{code: 9, running: true}
	cp := concurrentOf(a, b)

	code, err := cp.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, code)
	assert.Equal(t, 1, a.waits)
	assert.Equal(t, 1, b.waits)
}

func TestCommunicateAllOrderAligned(t *testing.T) {
	cp := concurrentOf(
		&fakeProc{stdout: []byte("first\n"), stderr: []byte("e1\n")},
		&fakeProc{stdout: []byte("second\n")},
		&fakeProc{stdout: []byte("third\n"), stderr: []byte("e3\n")},
	)
	stdouts, stderrs, err := cp.CommunicateAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first\n"), []byte("second\n"), []byte("third\n")}, stdouts)
	assert.Equal(t, [][]byte{[]byte("e1\n"), nil, []byte("e3\n")}, stderrs)

	assert.Equal(t, []string{"first\n", "second\n", "third\n"}, cp.DecodeAll(stdouts))
}

func TestCommunicateRejectsStdin(t *testing.T) {
	cp := concurrentOf(&fakeProc{})
	_, _, err := cp.CommunicateAll(context.Background(), []byte("input"))
	assert.ErrorIs(t, err, ErrStdinUnsupported)

	_, _, err = cp.Communicate(context.Background(), []byte("input"))
	assert.ErrorIs(t, err, ErrStdinUnsupported)
}

func TestCommunicateConcatenates(t *testing.T) {
	cp := concurrentOf(
		&fakeProc{stdout: []byte("a")},
		&fakeProc{stdout: []byte("b"), stderr: []byte("x")},
	)
	stdout, stderr, err := cp.Communicate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), stdout)
	assert.Equal(t, []byte("x"), stderr)
}

func TestArgvReportsEmptyForSilentMembers(t *testing.T) {
	withArgv := &fakeArgvProc{argv: []string{"/bin/ls", "-l"}}
	cp := concurrentOf(&fakeProc{}, withArgv)

	argvs := cp.Argv()
	require.Len(t, argvs, 2)
	assert.Empty(t, argvs[0])
	assert.Equal(t, []string{"/bin/ls", "-l"}, argvs[1])
}

func TestConcurrentProcessMachines(t *testing.T) {
	m1 := &fakeMachine{name: "m1"}
	m2 := &fakeMachine{name: "m2"}
	cp := concurrentOf(
		&fakeProc{machine: m1},
		&fakeProc{machine: m2},
		&fakeProc{machine: m1},
	)
	assert.Equal(t, []Machine{m1, m2}, cp.Machines())
}

func TestKillTerminatesAllMembers(t *testing.T) {
	a := &fakeProc{running: true}
	b := &fakeProc{running: true}
	cp := concurrentOf(a, b)
	require.NoError(t, cp.Kill())
	assert.True(t, a.killed)
	assert.True(t, b.killed)
}
