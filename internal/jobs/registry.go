package jobs

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

var errDuplicateJob = errors.New("job already registered")

// registry はジョブ記録をプロセス内で保持します。
// 外部へはコピーだけを返し、変更は update の mutate 経由で行います。
type registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func newRegistry() *registry {
	return &registry{records: make(map[string]*Record)}
}

func (r *registry) get(jobID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[jobID]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

func (r *registry) insert(record *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.JobID]; exists {
		return errors.Wrapf(errDuplicateJob, "job %s", record.JobID)
	}
	r.records[record.JobID] = record.clone()
	return nil
}

// update は mutate を適用し、適用後のスナップショットを返します。
func (r *registry) update(jobID string, mutate func(*Record)) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[jobID]
	if !ok {
		return nil, newError(CodeNotFound, msgJobNotFound, nil)
	}
	mutate(record)
	return record.clone(), nil
}

// remove は guard が nil を返した場合にだけ記録を削除します。
func (r *registry) remove(jobID string, guard func(*Record) error) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[jobID]
	if !ok {
		return nil, newError(CodeNotFound, msgJobNotFound, nil)
	}
	if guard != nil {
		if err := guard(record); err != nil {
			return nil, err
		}
	}
	delete(r.records, jobID)
	return record, nil
}

// list は作成日時の古い順にスナップショットを返します。
func (r *registry) list() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, *record.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
