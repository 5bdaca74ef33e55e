package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "ghostrun/pkg/logx"
)

// executionsKept bounds the in-memory execution index and the snapshot.
const executionsKept = 1000

// compactEvery is the number of journal writes between snapshots.
const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.experience.jsonl         (append-only JSON Lines)
//   - <prefix>.executions.snapshot.json (periodic snapshot)
//   - <prefix>.executions.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	experiencePath string
	experienceFile *os.File

	snapshotPath string
	journalFile  *os.File

	execs map[string]Execution
	order []string // ids, oldest first

	writes int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	s := &fileStore{
		log:            log,
		experiencePath: prefix + ".experience.jsonl",
		snapshotPath:   prefix + ".executions.snapshot.json",
		execs:          map[string]Execution{},
	}
	journalPath := prefix + ".executions.journal.jsonl"

	ef, err := os.OpenFile(s.experiencePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open experience log")
	}

	// Rebuild the execution index from snapshot + journal.
	if err := s.loadSnapshot(); err != nil && !os.IsNotExist(err) {
		log.Warn("execution snapshot unreadable; ignoring", logx.Err(err))
	}
	if err := s.replayJournal(journalPath); err != nil && !os.IsNotExist(err) {
		log.Warn("execution journal unreadable; ignoring", logx.Err(err))
	}
	s.pruneLocked()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, errors.Wrap(err, "open execution journal")
	}
	s.experienceFile = ef
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.experienceFile != nil {
		err1 = s.experienceFile.Close()
		s.experienceFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.CombineErrors(err1, err2)
}

func (s *fileStore) BeginExecution(ctx context.Context, e Execution) error {
	return s.putExecution(ctx, e)
}

func (s *fileStore) FinishExecution(ctx context.Context, e Execution) error {
	return s.putExecution(ctx, e)
}

func (s *fileStore) putExecution(_ context.Context, e Execution) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("execution id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}

	s.upsertLocked(e)
	if err := json.NewEncoder(s.journalFile).Encode(e); err != nil {
		return errors.Wrap(err, "append execution journal")
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("execution compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentExecutions(_ context.Context, limit int) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Execution, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.execs[s.order[i]])
	}
	return out, nil
}

func (s *fileStore) AppendExperience(_ context.Context, e Experience) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.experienceFile == nil {
		return ErrClosed
	}
	return errors.Wrap(json.NewEncoder(s.experienceFile).Encode(e), "append experience")
}

func (s *fileStore) RecentExperiences(_ context.Context, company string, limit int) ([]Experience, error) {
	// Hold the lock so a concurrent append never yields a torn last line.
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.experiencePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open experience log")
	}
	defer f.Close()

	var all []Experience
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Experience
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if company != "" && e.Company != company {
			continue
		}
		all = append(all, e)
		if limit > 0 && len(all) > limit {
			all = all[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan experience log")
	}

	out := make([]Experience, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) upsertLocked(e Execution) {
	if _, ok := s.execs[e.ID]; !ok {
		s.order = append(s.order, e.ID)
	}
	s.execs[e.ID] = e
}

func (s *fileStore) pruneLocked() {
	if len(s.order) <= executionsKept {
		return
	}
	drop := s.order[:len(s.order)-executionsKept]
	for _, id := range drop {
		delete(s.execs, id)
	}
	s.order = append([]string(nil), s.order[len(drop):]...)
}

func (s *fileStore) compactLocked() error {
	s.pruneLocked()

	snap := make([]Execution, 0, len(s.order))
	for _, id := range s.order {
		snap = append(snap, s.execs[id])
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap []Execution
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap {
		s.upsertLocked(e)
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Execution
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.ID == "" {
			continue
		}
		s.upsertLocked(e)
	}
	return sc.Err()
}
