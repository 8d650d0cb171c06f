package lock

import (
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDBGuard/pkg/fault"
)

func TestTryAcquire(t *testing.T) {
	table := NewTable()

	release, err := table.TryAcquire("mysql://db1:3306/shop")
	require.NoError(t, err)

	_, err = table.TryAcquire("mysql://db1:3306/shop")
	assert.True(t, fault.Is(err, fault.TargetBusy))

	other, err := table.TryAcquire("mysql://db1:3306/billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"mysql://db1:3306/billing", "mysql://db1:3306/shop"}, table.Held())

	release()
	release()
	other()
	assert.Empty(t, table.Held())

	again, err := table.TryAcquire("mysql://db1:3306/shop")
	require.NoError(t, err)
	again()
}

func TestTryAcquireConcurrent(t *testing.T) {
	table := NewTable()
	start := make(chan struct{})
	var wins, busy int32
	var hold sync.WaitGroup
	hold.Add(1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, err := table.TryAcquire("sqlite:///data/app.db")
			if err != nil {
				atomic.AddInt32(&busy, 1)
				return
			}
			atomic.AddInt32(&wins, 1)
			hold.Wait()
			release()
		}()
	}
	close(start)

	// Let every contender finish its attempt before the winner lets go
	for atomic.LoadInt32(&wins)+atomic.LoadInt32(&busy) < 16 {
		runtime.Gosched()
	}
	hold.Done()
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(15), busy)
}

func TestSharedTablesExcludeEachOther(t *testing.T) {
	dir := t.TempDir()
	// two tables on one directory stand in for the CLI and the daemon
	cli, err := NewSharedTable(dir)
	require.NoError(t, err)
	daemon, err := NewSharedTable(dir)
	require.NoError(t, err)

	release, err := daemon.TryAcquire("mysql://db1:3306/shop")
	require.NoError(t, err)
	assert.FileExists(t, daemon.Path("mysql://db1:3306/shop"))

	_, err = cli.TryAcquire("mysql://db1:3306/shop")
	assert.Equal(t, fault.TargetBusy, fault.KindOf(err))
	assert.Empty(t, cli.Held())

	other, err := cli.TryAcquire("mysql://db1:3306/billing")
	require.NoError(t, err)
	other()

	release()
	again, err := cli.TryAcquire("mysql://db1:3306/shop")
	require.NoError(t, err)
	again()
}

func TestLockPath(t *testing.T) {
	assert.Empty(t, NewTable().Path("mysql://db1:3306/shop"))

	table, err := NewSharedTable(t.TempDir())
	require.NoError(t, err)
	a := table.Path("mysql://db1:3306/shop")
	assert.Equal(t, a, table.Path("mysql://db1:3306/shop"))
	assert.NotEqual(t, a, table.Path("mysql://db1:3306/billing"))
	assert.Equal(t, ".lock", filepath.Ext(a))
}
