package scheduler

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bussim.transitsim.org/internal/metrics"
)

var base = time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)

func record(log *[]string, name string) Action {
	return func() error {
		*log = append(*log, name)
		return nil
	}
}

func TestTickFiresDueTasksInOrder(t *testing.T) {
	s := New(nil, nil)
	var fired []string

	s.Schedule(base.Add(3*time.Second), "c", record(&fired, "c"))
	s.Schedule(base.Add(1*time.Second), "a", record(&fired, "a"))
	s.Schedule(base.Add(2*time.Second), "b", record(&fired, "b"))
	s.Schedule(base.Add(10*time.Second), "later", record(&fired, "later"))

	n := s.Tick(base.Add(3 * time.Second))

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, 1, s.Pending(), "future task stays pending")

	next, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, base.Add(10*time.Second), next)
}

func TestEqualFireTimesKeepInsertionOrder(t *testing.T) {
	s := New(nil, nil)
	var fired []string

	for _, name := range []string{"first", "second", "third"} {
		s.Schedule(base, name, record(&fired, name))
	}
	s.Schedule(base.Add(-time.Second), "earliest", record(&fired, "earliest"))

	s.Tick(base)
	assert.Equal(t, []string{"earliest", "first", "second", "third"}, fired)
}

func TestNoTaskFiresEarlyOrTwice(t *testing.T) {
	s := New(nil, nil)
	count := 0
	s.Schedule(base.Add(time.Minute), "once", func() error {
		count++
		return nil
	})

	assert.Equal(t, 0, s.Tick(base.Add(59*time.Second)))
	assert.Equal(t, 0, count)

	assert.Equal(t, 1, s.Tick(base.Add(time.Minute)))
	assert.Equal(t, 0, s.Tick(base.Add(2*time.Minute)))
	assert.Equal(t, 1, count)
	assert.Equal(t, 0, s.Pending())
}

func TestPastFireTimeRunsOnNextTick(t *testing.T) {
	s := New(nil, nil)
	ran := false
	s.Schedule(base.Add(-time.Hour), "overdue", func() error {
		ran = true
		return nil
	})

	s.Tick(base)
	assert.True(t, ran)
}

func TestTaskScheduledDuringTickWaitsForNextPass(t *testing.T) {
	s := New(nil, nil)
	var fired []string

	s.Schedule(base, "parent", func() error {
		fired = append(fired, "parent")
		// Already due, but must not run in this pass.
		s.Schedule(base.Add(-time.Second), "child", record(&fired, "child"))
		return nil
	})

	assert.Equal(t, 1, s.Tick(base))
	assert.Equal(t, []string{"parent"}, fired)
	assert.Equal(t, 1, s.Pending())

	assert.Equal(t, 1, s.Tick(base))
	assert.Equal(t, []string{"parent", "child"}, fired)
}

func TestSelfReschedulingTask(t *testing.T) {
	s := New(nil, nil)
	count := 0

	var tick Action
	tick = func() error {
		count++
		s.Schedule(base.Add(time.Duration(count)*2*time.Second), "periodic", tick)
		return nil
	}
	s.Schedule(base, "periodic", tick)

	for i := 0; i <= 10; i++ {
		s.Tick(base.Add(time.Duration(i) * time.Second))
	}

	assert.Equal(t, 6, count, "fires at 0,2,4,6,8,10")
	assert.Equal(t, 1, s.Pending())
}

func TestFailingTasksDoNotStopThePass(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := metrics.New()
	s := New(logger, m)
	var fired []string

	s.Schedule(base, "errors", func() error { return errors.New("publish failed") })
	s.Schedule(base, "panics", func() error { panic("boom") })
	s.Schedule(base, "ok", record(&fired, "ok"))

	n := s.Tick(base)

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"ok"}, fired)
	assert.Equal(t, 0, s.Pending())
	assert.Contains(t, buf.String(), "scheduled task failed")
	assert.Contains(t, buf.String(), "task=panics")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TasksFiredTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskFailuresTotal))
}

func TestCancel(t *testing.T) {
	s := New(nil, nil)
	var fired []string

	keep := s.Schedule(base, "keep", record(&fired, "keep"))
	drop := s.Schedule(base, "drop", record(&fired, "drop"))

	assert.True(t, s.Cancel(drop))
	assert.False(t, s.Cancel(drop), "second cancel is a no-op")
	assert.False(t, s.Cancel(Handle{}))

	s.Tick(base)
	assert.Equal(t, []string{"keep"}, fired)
	assert.False(t, s.Cancel(keep), "fired tasks cannot be cancelled")
}

func TestCancelWithinSamePass(t *testing.T) {
	s := New(nil, nil)
	var fired []string

	var victim Handle
	s.Schedule(base, "killer", func() error {
		fired = append(fired, "killer")
		assert.True(t, s.Cancel(victim))
		return nil
	})
	victim = s.Schedule(base, "victim", record(&fired, "victim"))

	assert.Equal(t, 1, s.Tick(base))
	assert.Equal(t, []string{"killer"}, fired)
}

func TestTasksReturnsPendingCopy(t *testing.T) {
	s := New(nil, nil)
	h := s.Schedule(base.Add(time.Minute), "later", nil)
	s.Schedule(base, "sooner", nil)

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "sooner", tasks[0].Name())
	assert.Equal(t, "later", tasks[1].Name())
	assert.Equal(t, h.FireAt(), tasks[1].FireAt())

	// nil actions are allowed and simply do nothing.
	assert.Equal(t, 2, s.Tick(base.Add(time.Hour)))
}
