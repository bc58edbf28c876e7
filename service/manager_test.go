package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	*BaseService
	log      *callLog
	startErr error
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func newRecordingService(name string, log *callLog) *recordingService {
	return &recordingService{BaseService: NewBaseService(name, WithHealthInterval(0)), log: log}
}

func (s *recordingService) Start(ctx context.Context) error {
	s.log.add("start " + s.Name())
	if s.startErr != nil {
		return s.startErr
	}
	return s.BaseService.Start(ctx)
}

func (s *recordingService) Stop(timeout time.Duration) error {
	s.log.add("stop " + s.Name())
	return s.BaseService.Stop(timeout)
}

func TestManager_StartStopOrder(t *testing.T) {
	log := &callLog{}
	m := NewManager(nil)
	require.NoError(t, m.Add(newRecordingService("store", log)))
	require.NoError(t, m.Add(newRecordingService("gateway", log)))
	require.NoError(t, m.Add(newRecordingService("http", log)))
	assert.Error(t, m.Add(newRecordingService("http", log)))

	assert.False(t, m.Ready())
	require.NoError(t, m.StartAll(context.Background(), time.Second))
	assert.True(t, m.Ready())
	assert.True(t, m.Health().IsHealthy())
	assert.Len(t, m.Health().SubStatuses, 3)

	require.NoError(t, m.StopAll(time.Second))
	assert.Equal(t, []string{
		"start store", "start gateway", "start http",
		"stop http", "stop gateway", "stop store",
	}, log.all())
	assert.True(t, m.Health().IsUnhealthy())
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	log := &callLog{}
	m := NewManager(nil)
	broken := newRecordingService("gateway", log)
	broken.startErr = errors.New("boom")
	require.NoError(t, m.Add(newRecordingService("store", log)))
	require.NoError(t, m.Add(broken))
	require.NoError(t, m.Add(newRecordingService("http", log)))

	err := m.StartAll(context.Background(), time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start service gateway")
	assert.Equal(t, []string{"start store", "start gateway", "stop store"}, log.all())

	svc, ok := m.Service("store")
	require.True(t, ok)
	assert.Equal(t, StatusStopped, svc.Status())
}
