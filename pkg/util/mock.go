package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI is the write API used when no InfluxDB is configured. It keeps
// the points it was handed when Record is set so tests can inspect them.
type MockWriteAPI struct {
	Record bool

	mu     sync.Mutex
	points []*write.Point
	lines  []string
}

func (m *MockWriteAPI) WriteRecord(line string) {
	if !m.Record {
		return
	}
	m.mu.Lock()
	m.lines = append(m.lines, line)
	m.mu.Unlock()
}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	if !m.Record {
		return
	}
	m.mu.Lock()
	m.points = append(m.points, point)
	m.mu.Unlock()
}

// Points returns a copy of the recorded points.
func (m *MockWriteAPI) Points() []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*write.Point(nil), m.points...)
}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

func (m *MockWriteAPI) Errors() <-chan error { return nil }
