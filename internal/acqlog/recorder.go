package acqlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/beegate/internal/radio"
	"github.com/srg/beegate/internal/session"
)

const (
	// DataFileName is the per-device acquisition file inside the device directory.
	DataFileName = "beedata.csv"

	// DefaultBufferSize is the number of records held while the writer catches up.
	DefaultBufferSize uint32 = 1024

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// Header is the first line of every acquisition file.
var Header = []string{"timestamp", "temperature_mdeg", "humidity_pct", "pressure_pa", "luminosity_lux"}

// ErrNotRunning is returned by Append outside Start/Close.
var ErrNotRunning = errors.New("recorder is not running")

// Recorder lifecycle states.
const (
	RecorderStateNotRunning uint32 = iota
	RecorderStateRunning
	RecorderStateStopping
)

// RecorderMetrics are lock-free counters of the recorder.
type RecorderMetrics struct {
	RecordsWritten     int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

// GetRecordsWritten atomically reads the written records counter
func (m *RecorderMetrics) GetRecordsWritten() int64 {
	return atomic.LoadInt64(&m.RecordsWritten)
}

// GetRecordsOverwritten atomically reads the overwritten records counter
func (m *RecorderMetrics) GetRecordsOverwritten() int64 {
	return atomic.LoadInt64(&m.RecordsOverwritten)
}

// GetErrorsOccurred atomically reads the error counter
func (m *RecorderMetrics) GetErrorsOccurred() int64 {
	return atomic.LoadInt64(&m.ErrorsOccurred)
}

// Recorder appends readings to <dataDir>/<address>/beedata.csv.
//
// Append never touches the disk: records go into an overlapped ring buffer
// (the oldest record is overwritten when the writer falls behind) and a single
// writer goroutine drains it. Sessions therefore never block on file I/O.
type Recorder struct {
	dataDir string
	logger  *logrus.Logger

	buffer mpmc.RichOverlappedRingBuffer[session.Record]
	// gate keeps Close from stopping the writer between an Append's state
	// check and its enqueue, so every accepted record reaches the final drain.
	gate    sync.RWMutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	state   uint32
	metrics RecorderMetrics

	// owned by the writer goroutine
	files map[string]*deviceFile
}

type deviceFile struct {
	f *os.File
	w *csv.Writer
}

var _ Sink = (*Recorder)(nil)

// NewRecorder creates a stopped recorder rooted at dataDir.
func NewRecorder(dataDir string, bufferSize uint32, logger *logrus.Logger) (*Recorder, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory cannot be empty")
	}
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Recorder{
		dataDir: dataDir,
		logger:  logger,
		buffer:  mpmc.NewOverlappedRingBuffer[session.Record](bufferSize),
		state:   RecorderStateNotRunning,
	}, nil
}

// DeviceDir returns the directory holding a device's acquisitions.
func (r *Recorder) DeviceDir(address string) string {
	return filepath.Join(r.dataDir, radio.NormalizeAddress(address))
}

// EnsureDeviceDir creates the device directory if needed and reports whether
// it had to be created.
func (r *Recorder) EnsureDeviceDir(address string) (created bool, err error) {
	dir := r.DeviceDir(address)
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create device directory %q: %w", dir, err)
	}
	return true, nil
}

// Metrics returns the recorder counters.
func (r *Recorder) Metrics() *RecorderMetrics {
	return &r.metrics
}

// Start launches the writer goroutine.
func (r *Recorder) Start() error {
	if !atomic.CompareAndSwapUint32(&r.state, RecorderStateNotRunning, RecorderStateRunning) {
		switch atomic.LoadUint32(&r.state) {
		case RecorderStateRunning:
			return fmt.Errorf("recorder is already running")
		case RecorderStateStopping:
			return fmt.Errorf("recorder is stopping, wait for it to finish")
		default:
			return fmt.Errorf("recorder is in unknown state %d", atomic.LoadUint32(&r.state))
		}
	}

	r.wake = make(chan struct{}, 1)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.files = make(map[string]*deviceFile)

	go r.loop()
	return nil
}

// Append queues rec for writing.
func (r *Recorder) Append(_ context.Context, rec session.Record) error {
	r.gate.RLock()
	defer r.gate.RUnlock()

	if atomic.LoadUint32(&r.state) != RecorderStateRunning {
		return ErrNotRunning
	}
	overwrites, err := r.buffer.EnqueueM(rec)
	if err != nil {
		atomic.AddInt64(&r.metrics.ErrorsOccurred, 1)
		return fmt.Errorf("unexpected buffer enqueue error: %w", err)
	}
	if overwrites > 0 {
		atomic.AddInt64(&r.metrics.RecordsOverwritten, int64(overwrites))
		r.logger.WithField("overwritten", overwrites).Warn("Acquisition writer behind, oldest records dropped")
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close drains every queued record, closes the files and stops the writer.
func (r *Recorder) Close() error {
	r.gate.Lock()
	if !atomic.CompareAndSwapUint32(&r.state, RecorderStateRunning, RecorderStateStopping) {
		state := atomic.LoadUint32(&r.state)
		r.gate.Unlock()
		if state == RecorderStateNotRunning {
			return nil
		}
	} else {
		close(r.stop)
		r.gate.Unlock()
	}

	select {
	case <-r.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("recorder failed to stop within 5s timeout")
	}
}

func (r *Recorder) loop() {
	defer func() {
		r.closeFiles()
		close(r.done)
		atomic.StoreUint32(&r.state, RecorderStateNotRunning)
	}()

	for {
		select {
		case <-r.wake:
			r.drain()
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	touched := make(map[string]*deviceFile)
	for !r.buffer.IsEmpty() {
		rec, err := r.buffer.Dequeue()
		if err != nil {
			break
		}
		df, err := r.write(rec)
		if err != nil {
			atomic.AddInt64(&r.metrics.ErrorsOccurred, 1)
			r.logger.WithFields(logrus.Fields{
				"address": rec.Address,
				"error":   err,
			}).Error("Failed to write acquisition")
			continue
		}
		touched[rec.Address] = df
		atomic.AddInt64(&r.metrics.RecordsWritten, 1)
	}

	for addr, df := range touched {
		df.w.Flush()
		if err := df.w.Error(); err != nil {
			atomic.AddInt64(&r.metrics.ErrorsOccurred, 1)
			r.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Error("Failed to flush acquisition file")
		}
	}
}

func (r *Recorder) write(rec session.Record) (*deviceFile, error) {
	df, err := r.file(rec.Address)
	if err != nil {
		return nil, err
	}
	if err := df.w.Write(FormatRecord(rec)); err != nil {
		return nil, err
	}
	return df, nil
}

func (r *Recorder) file(address string) (*deviceFile, error) {
	if df, ok := r.files[address]; ok {
		return df, nil
	}

	if _, err := r.EnsureDeviceDir(address); err != nil {
		return nil, err
	}
	path := filepath.Join(r.DeviceDir(address), DataFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open acquisition file: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat acquisition file: %w", err)
	}

	df := &deviceFile{f: f, w: csv.NewWriter(f)}
	if st.Size() == 0 {
		if err := df.w.Write(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	r.files[address] = df
	return df, nil
}

func (r *Recorder) closeFiles() {
	for addr, df := range r.files {
		df.w.Flush()
		if err := df.f.Close(); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": addr,
				"error":   err,
			}).Warn("Failed to close acquisition file")
		}
	}
	r.files = nil
}

// FormatRecord renders rec as one CSV row matching Header.
func FormatRecord(rec session.Record) []string {
	return []string{
		rec.Timestamp.UTC().Format(time.RFC3339),
		strconv.FormatInt(int64(rec.Reading.Temperature), 10),
		strconv.FormatUint(uint64(rec.Reading.Humidity), 10),
		strconv.FormatUint(uint64(rec.Reading.Pressure), 10),
		strconv.FormatUint(uint64(rec.Reading.Luminosity), 10),
	}
}
