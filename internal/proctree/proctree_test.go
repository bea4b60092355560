package proctree

import (
	"fmt"
	"os/exec"
	"runtime"
	"syscall"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable map[int][]int

func (f fakeTable) Children(pid int) ([]int, error) { return f[pid], nil }

type recorder struct {
	pids []int
	sigs []syscall.Signal
	err  map[int]error
}

func (r *recorder) Signal(pid int, sig syscall.Signal) error {
	r.pids = append(r.pids, pid)
	r.sigs = append(r.sigs, sig)
	return r.err[pid]
}

func indexOf(xs []int, v int) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}

func TestStopRecursiveKillsDescendantsBeforeRoot(t *testing.T) {
	//   10
	//  /  \
	// 11   12
	// |    |  \
	// 13   14  15
	table := fakeTable{10: {11, 12}, 11: {13}, 12: {14, 15}}
	rec := &recorder{}
	term := NewWith(table, rec, nil)

	order := term.Stop(10, true)
	assert.Equal(t, rec.pids, order)
	assert.ElementsMatch(t, []int{10, 11, 12, 13, 14, 15}, order)
	assert.Equal(t, 10, order[len(order)-1], "root must be signaled last")
	for parent, kids := range table {
		for _, k := range kids {
			assert.Less(t, indexOf(order, k), indexOf(order, parent), "child %d before parent %d", k, parent)
		}
	}
	for _, s := range rec.sigs {
		assert.Equal(t, syscall.SIGKILL, s)
	}
}

func TestStopSignalsEachPidOnce(t *testing.T) {
	// A cycle can appear when pids are reused mid-walk.
	table := fakeTable{1: {2, 3}, 2: {3}, 3: {1}}
	rec := &recorder{}
	order := NewWith(table, rec, nil).Stop(1, true)
	assert.Len(t, order, 3)
	seen := map[int]int{}
	for _, p := range rec.pids {
		seen[p]++
	}
	for p, n := range seen {
		assert.Equal(t, 1, n, "pid %d signaled %d times", p, n)
	}
}

func TestStopNonRecursiveOnlyRoot(t *testing.T) {
	rec := &recorder{}
	order := NewWith(fakeTable{10: {11}}, rec, nil).Stop(10, false)
	assert.Equal(t, []int{10}, order)
}

func TestStopIgnoresInvalidPidAndSignalErrors(t *testing.T) {
	rec := &recorder{err: map[int]error{11: syscall.ESRCH, 10: syscall.EPERM, 12: fmt.Errorf("boom")}}
	term := NewWith(fakeTable{10: {11, 12}}, rec, nil)
	assert.Nil(t, term.Stop(0, true))
	assert.Nil(t, term.Stop(-1, true))
	assert.Empty(t, rec.pids)

	order := term.Stop(10, true)
	assert.Equal(t, []int{11, 12, 10}, order)
}

func TestDescendants(t *testing.T) {
	term := NewWith(fakeTable{1: {2, 3}, 2: {4}, 4: {1}}, &recorder{}, nil)
	assert.Equal(t, []int{2, 3, 4}, term.Descendants(1))
	assert.Nil(t, term.Descendants(0))
}

func TestSignalerFunc(t *testing.T) {
	var got int
	s := SignalerFunc(func(pid int, sig syscall.Signal) error { got = pid; return nil })
	require.NoError(t, s.Signal(7, syscall.SIGKILL))
	assert.Equal(t, 7, got)
}

// gone reports whether pid exited. An unreaped zombie counts as exited.
func gone(pid int) bool {
	if syscall.Kill(pid, 0) != nil {
		return true
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	st, _ := p.Status()
	return len(st) > 0 && st[0] == gopsproc.Zombie
}

func TestStopRealProcessTree(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
	// sh forks a sleeping child and waits for it.
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & wait")
	require.NoError(t, cmd.Start())
	root := cmd.Process.Pid
	done := make(chan struct{})
	go func() { _ = cmd.Wait(); close(done) }()

	term := New(nil)
	var kids []int
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if kids = term.Descendants(root); len(kids) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, kids, "expected sh to have a child")

	order := term.Stop(root, true)
	assert.Equal(t, root, order[len(order)-1])
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("root did not exit")
	}
	for _, k := range kids {
		ok := false
		for i := 0; i < 100; i++ {
			if gone(k) {
				ok = true
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		assert.True(t, ok, "descendant %d survived", k)
	}
}
