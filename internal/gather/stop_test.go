package gather

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportsync/internal/util"
)

func TestStopFilePresent(t *testing.T) {
	s := StopFile{Path: filepath.Join(t.TempDir(), "STOP_BACKFILL.txt")}
	assert.False(t, s.Present())
	require.NoError(t, os.WriteFile(s.Path, nil, 0o644))
	assert.True(t, s.Present())

	assert.False(t, StopFile{}.Present())
}

func TestStopFileSleepWakesOnCreate(t *testing.T) {
	s := StopFile{Path: filepath.Join(t.TempDir(), "STOP_BACKFILL.txt")}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(s.Path, []byte("stop"), 0o644)
	}()

	start := time.Now()
	s.Sleep(context.Background(), 30*time.Second, util.Discard())
	assert.Less(t, time.Since(start), 10*time.Second)
	<-done
}

func TestStopFileSleepHonoursContext(t *testing.T) {
	s := StopFile{Path: filepath.Join(t.TempDir(), "STOP_BACKFILL.txt")}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	s.Sleep(ctx, 30*time.Second, util.Discard())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStopFileSleepWithoutWatchableDirectory(t *testing.T) {
	s := StopFile{Path: filepath.Join(t.TempDir(), "missing", "STOP_BACKFILL.txt")}
	start := time.Now()
	s.Sleep(context.Background(), 20*time.Millisecond, util.Discard())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}
