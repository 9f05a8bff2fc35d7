package acqlog

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/beegate/internal/session"
)

func testRecord(addr string, temp int32, ts time.Time) session.Record {
	return session.Record{
		Address:   addr,
		SessionID: "sid-1",
		Reading:   session.EnvironmentalReading{Temperature: temp, Humidity: 40, Pressure: 100000, Luminosity: 12},
		Timestamp: ts,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecorder_WritesPerDeviceFiles(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 16, logrus.New())
	require.NoError(t, err)
	require.NoError(t, rec.Start())

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, rec.Append(context.Background(), testRecord("AA:BB:CC:DD:EE:01", 100, ts)))
	require.NoError(t, rec.Append(context.Background(), testRecord("AA:BB:CC:DD:EE:01", 101, ts.Add(time.Minute))))
	require.NoError(t, rec.Append(context.Background(), testRecord("AA:BB:CC:DD:EE:02", -5, ts)))
	require.NoError(t, rec.Close())

	rows := readCSV(t, filepath.Join(dir, "AA:BB:CC:DD:EE:01", DataFileName))
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "100", "40", "100000", "12"}, rows[1])
	assert.Equal(t, "101", rows[2][1])

	rows = readCSV(t, filepath.Join(dir, "AA:BB:CC:DD:EE:02", DataFileName))
	require.Len(t, rows, 2)
	assert.Equal(t, "-5", rows[1][1])

	assert.EqualValues(t, 3, rec.Metrics().GetRecordsWritten())
	assert.Zero(t, rec.Metrics().GetErrorsOccurred())
}

func TestRecorder_AppendsAcrossRestartsWithSingleHeader(t *testing.T) {
	dir := t.TempDir()
	ts := time.Now()

	for i := 0; i < 2; i++ {
		rec, err := NewRecorder(dir, 0, nil)
		require.NoError(t, err)
		require.NoError(t, rec.Start())
		require.NoError(t, rec.Append(context.Background(), testRecord("AA:BB:CC:DD:EE:03", int32(i), ts)))
		require.NoError(t, rec.Close())
	}

	rows := readCSV(t, filepath.Join(dir, "AA:BB:CC:DD:EE:03", DataFileName))
	require.Len(t, rows, 3, "the header MUST only be written to an empty file")
	assert.Equal(t, Header, rows[0])
}

func TestRecorder_Lifecycle(t *testing.T) {
	rec, err := NewRecorder(t.TempDir(), 4, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, rec.Append(context.Background(), testRecord("AA", 1, time.Now())), ErrNotRunning)
	assert.NoError(t, rec.Close(), "closing a stopped recorder is a no-op")

	require.NoError(t, rec.Start())
	assert.Error(t, rec.Start(), "double start MUST fail")
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	_, err = NewRecorder("", 4, nil)
	assert.Error(t, err)
	_, err = NewRecorder(t.TempDir(), MaxBufferSize+1, nil)
	assert.Error(t, err)
}

func TestRecorder_CloseKeepsEveryAcceptedRecord(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 4096, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Start())

	const writers, perWriter = 8, 200
	var accepted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWriter; i++ {
				if rec.Append(context.Background(), testRecord("AA:BB:CC:DD:EE:09", int32(i), time.Now())) == nil {
					accepted.Add(1)
				}
			}
		}()
	}

	close(start)
	time.Sleep(time.Millisecond)
	require.NoError(t, rec.Close())
	wg.Wait()

	assert.Equal(t, accepted.Load(), rec.Metrics().GetRecordsWritten(), "every accepted record MUST be written")
	if accepted.Load() > 0 {
		rows := readCSV(t, filepath.Join(dir, "AA:BB:CC:DD:EE:09", DataFileName))
		assert.Len(t, rows, int(accepted.Load())+1)
	}
}

func TestRecorder_EnsureDeviceDir(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 4, nil)
	require.NoError(t, err)

	created, err := rec.EnsureDeviceDir("aa:bb:cc:dd:ee:04")
	require.NoError(t, err)
	assert.True(t, created)
	assert.DirExists(t, filepath.Join(dir, "AA:BB:CC:DD:EE:04"))

	created, err = rec.EnsureDeviceDir("AA:BB:CC:DD:EE:04")
	require.NoError(t, err)
	assert.False(t, created, "an existing directory is restored, not created")
}

func TestNewMessage_JSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b, err := json.Marshal(NewMessage(testRecord("AA:BB:CC:DD:EE:05", 2150, ts)))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"address": "AA:BB:CC:DD:EE:05",
		"session_id": "sid-1",
		"timestamp": "2024-05-01T12:00:00Z",
		"temperature_mdeg": 2150,
		"humidity_pct": 40,
		"pressure_pa": 100000,
		"luminosity_lux": 12
	}`, string(b))
	assert.Equal(t, "beegate:AA:BB:CC:DD:EE:05:readings", HistoryKey("AA:BB:CC:DD:EE:05"))
}

func TestNewRedisPublisher_Validation(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), RedisOptions{Addr: "127.0.0.1:1"}, logrus.New())
	assert.Error(t, err, "an empty channel MUST be rejected")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = NewRedisPublisher(ctx, RedisOptions{Addr: "127.0.0.1:1", Channel: "beegate"}, logrus.New())
	assert.Error(t, err, "an unreachable server MUST fail the constructor")
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Append(ctx context.Context, rec session.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockSink) Close() error {
	return m.Called().Error(0)
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	rec := testRecord("AA:BB:CC:DD:EE:06", 1, time.Now())
	ok := &mockSink{}
	failing := &mockSink{}
	ok.On("Append", mock.Anything, rec).Return(nil).Once()
	failing.On("Append", mock.Anything, rec).Return(errors.New("redis down")).Once()
	ok.On("Close").Return(nil).Once()
	failing.On("Close").Return(nil).Once()

	m := Multi{failing, ok}
	err := m.Append(context.Background(), rec)
	assert.ErrorContains(t, err, "redis down")
	assert.NoError(t, m.Close())

	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}
