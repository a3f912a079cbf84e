package shellsession

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var markerRE = regexp.MustCompile(`echo '([^']+)'`)

// scriptedShell emulates a shell on the other end of the session pipes: for
// every submitted line it extracts the session marker and replies with the
// scripted output, the scripted exit status, and the marker echoes.
type scriptedShell struct {
	stdinR  io.ReadCloser
	stdinW  io.WriteCloser
	stdoutR io.ReadCloser
	stderrR io.ReadCloser

	alive bool
}

type scriptedReply struct {
	stdout string
	stderr string
	code   int
}

func startScriptedShell(t *testing.T, replies []scriptedReply) (*scriptedShell, *Shell) {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	sh := &scriptedShell{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stderrR: stderrR,
		alive:   true,
	}

	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		scanner := bufio.NewScanner(stdinR)
		i := 0
		for scanner.Scan() {
			m := markerRE.FindStringSubmatch(scanner.Text())
			if m == nil {
				continue
			}
			reply := scriptedReply{}
			if i < len(replies) {
				reply = replies[i]
			}
			i++
			fmt.Fprintf(stdoutW, "%s%d\n%s\n", reply.stdout, reply.code, m[1])
			fmt.Fprintf(stderrW, "%s%s\n", reply.stderr, m[1])
		}
		sh.alive = false
	}()

	session := New(Config{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: stderrR,
		Alive:  func() bool { return sh.alive },
	})
	return sh, session
}

func TestSessionRun(t *testing.T) {
	_, session := startScriptedShell(t, []scriptedReply{
		{stdout: "hello\n", code: 0},
	})
	defer session.Close()

	code, stdout, stderr, err := session.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, "", stderr)
}

func TestSessionReportsExitStatus(t *testing.T) {
	_, session := startScriptedShell(t, []scriptedReply{
		{stderr: "no such file\n", code: 2},
	})
	defer session.Close()

	code, stdout, stderr, err := session.Run(context.Background(), "ls /missing")
	require.NoError(t, err)
	assert.Equal(t, 2, code)
	assert.Equal(t, "", stdout)
	assert.Equal(t, "no such file\n", stderr)
}

func TestSessionSequentialCommands(t *testing.T) {
	_, session := startScriptedShell(t, []scriptedReply{
		{stdout: "one\n", code: 0},
		{stdout: "two\n", code: 0},
	})
	defer session.Close()

	for _, want := range []string{"one\n", "two\n"} {
		code, stdout, _, err := session.Run(context.Background(), "next")
		require.NoError(t, err)
		require.Equal(t, 0, code)
		assert.Equal(t, want, stdout)
	}
}

func TestSessionPopenPollBeforeDrain(t *testing.T) {
	_, session := startScriptedShell(t, []scriptedReply{
		{stdout: "late\n", code: 0},
	})
	defer session.Close()

	proc, err := session.Popen(context.Background(), "echo late")
	require.NoError(t, err)

	code, err := proc.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, ok := proc.Poll()
	require.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestSessionAliveConcurrentWithClose(t *testing.T) {
	_, session := startScriptedShell(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			session.Alive()
		}
	}()
	require.NoError(t, session.Close())
	<-done
	assert.False(t, session.Alive())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	_, session := startScriptedShell(t, nil)

	require.NoError(t, session.Close())
	require.NoError(t, session.Close())
	assert.False(t, session.Alive())

	_, err := session.Popen(context.Background(), "echo hi")
	assert.Error(t, err, "a closed session rejects new commands")
}
