package media

import (
	"context"
	"testing"
	"time"

	"github.com/dargueta/nandmedia"
	"github.com/dargueta/nandmedia/errors"
	"github.com/dargueta/nandmedia/nand/nandsim"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBackgroundMedia is like newTestMedia but runs deferred tasks on the
// background worker.
func newBackgroundMedia(t *testing.T, sim *nandsim.Simulator) *Media {
	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	m := New(sim, Config{
		BootBlockSearchNumber: 2,
		BootState:             sim.BootState(),
		Logger:                logger,
	})
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(func() {
		_ = m.Shutdown()
	})
	return m
}

func shutdownWithin(t *testing.T, m *Media, timeout time.Duration) {
	done := make(chan error, 1)
	go func() {
		done <- m.Shutdown()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(timeout):
		require.FailNow(t, "Shutdown didn't return", "waited %s", timeout)
	}
}

// A block retired by the flush Shutdown does itself still gets its DBBT save,
// even with the worker running.
func TestShutdown__SavesDBBTAfterFinalFlush(t *testing.T) {
	for i := 0; i < 20; i++ {
		sim := newScenarioSim(t)
		m := newBackgroundMedia(t, sim)
		allocateAndDiscover(t, m, scenarioTable())
		m.Tasks().Drain()

		d := openDrive(t, m, nandmedia.DriveTagData)
		data := d.(*dataDrive)

		// Dirty the cache without posting a flush so the only write of the block
		// happens during Shutdown.
		m.lock.Lock()
		err := data.cache.WriteAt(sectorPattern(9), 0, 0)
		m.lock.Unlock()
		require.NoError(t, err)
		sim.FailBlock(26)

		shutdownWithin(t, m, 10*time.Second)
		assert.Equal(t, 0, m.Tasks().Len(), "every task should have run")

		rebooted, hook := newTestMedia(t, sim)
		require.NoError(t, rebooted.Discover())
		assert.False(t, hasLogEntry(hook, logrus.InfoLevel, "no DBBT found, scanning for bad blocks"))
		assert.EqualValues(t, 2, regionWithTag(t, rebooted, nandmedia.DriveTagData).BadBlockCount())

		rebootedData := openDrive(t, rebooted, nandmedia.DriveTagData).(*dataDrive)
		block, ok := rebootedData.MappedBlock(0)
		require.True(t, ok)
		assert.EqualValues(t, 27, block)

		buffer := make([]byte, testPageSize)
		require.NoError(t, rebootedData.ReadSector(0, buffer))
		assert.Equal(t, sectorPattern(9), buffer)
	}
}

func TestShutdown__NotInitialized(t *testing.T) {
	sim := newScenarioSim(t)
	m := newBackgroundMedia(t, sim)
	require.NoError(t, m.Shutdown())
	assertCode(t, m.Shutdown(), errors.ENOTINIT)
}
