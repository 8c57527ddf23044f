package repository

import (
	"context"
	"errors"
	"sync"

	"blockjudge/internal/grading/model"
	"blockjudge/internal/grading/service"
	pkgerrors "blockjudge/pkg/errors"
	"blockjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// RawVerdictReader looks up an unredacted verdict by submission id.
type RawVerdictReader interface {
	GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error)
}

// MemoryVerdictStore keeps verdicts in process. Oldest entries are evicted
// once capacity is reached; zero capacity keeps everything.
type MemoryVerdictStore struct {
	mu       sync.RWMutex
	records  map[string]service.VerdictRecord
	order    []string
	capacity int
}

func NewMemoryVerdictStore(capacity int) *MemoryVerdictStore {
	return &MemoryVerdictStore{
		records:  make(map[string]service.VerdictRecord),
		capacity: capacity,
	}
}

func (m *MemoryVerdictStore) SaveVerdict(ctx context.Context, record service.VerdictRecord) error {
	if record.Submission.ID == "" {
		return pkgerrors.ValidationError("submission_id", "required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.Submission.ID]; !ok {
		m.order = append(m.order, record.Submission.ID)
	}
	m.records[record.Submission.ID] = record
	for m.capacity > 0 && len(m.order) > m.capacity {
		delete(m.records, m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

func (m *MemoryVerdictStore) GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	m.mu.RLock()
	record, ok := m.records[submissionID]
	m.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.NotFound, "verdict %s not found", submissionID)
	}
	v := record.Raw
	return &v, nil
}

// Records returns saved records in insertion order.
func (m *MemoryVerdictStore) Records() []service.VerdictRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]service.VerdictRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// FanOutSink saves to every sink and joins their errors. One failing
// sink does not stop the others.
type FanOutSink struct {
	sinks []namedSink
}

type namedSink struct {
	name string
	sink service.VerdictSink
}

func NewFanOutSink() *FanOutSink {
	return &FanOutSink{}
}

// Add registers a sink; nil sinks are ignored.
func (f *FanOutSink) Add(name string, sink service.VerdictSink) *FanOutSink {
	if sink != nil {
		f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	}
	return f
}

func (f *FanOutSink) Len() int { return len(f.sinks) }

func (f *FanOutSink) SaveVerdict(ctx context.Context, record service.VerdictRecord) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.SaveVerdict(ctx, record); err != nil {
			logger.Warn(ctx, "verdict sink failed",
				zap.String("sink", s.name),
				zap.String("submission_id", record.Submission.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FallbackReader tries each reader in turn and returns the first hit.
type FallbackReader []RawVerdictReader

func (f FallbackReader) GetRawVerdict(ctx context.Context, submissionID string) (*model.Verdict, error) {
	lastErr := error(pkgerrors.Newf(pkgerrors.NotFound, "verdict %s not found", submissionID))
	for _, r := range f {
		if r == nil {
			continue
		}
		v, err := r.GetRawVerdict(ctx, submissionID)
		if err == nil {
			return v, nil
		}
		if !pkgerrors.Is(err, pkgerrors.NotFound) {
			lastErr = err
		}
	}
	return nil, lastErr
}
