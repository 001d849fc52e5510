package school

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/studio-ledger/calendar"
	"github.com/warp/studio-ledger/docstore"
)

// =============================================================================
// ATTENDANCE STORE - attendance/{YYYY-MM-DD} day documents
// =============================================================================

// AttendanceStore persists one document per day holding every student's
// record, so at most one record exists per (day, student). Writes to a day
// are serialised by a per-day lock.
type AttendanceStore struct {
	*env
}

// Mark is the input of Upsert.
type Mark struct {
	Date       calendar.Date
	StudentID  string
	Status     Status
	Attributes AttributeSet
	FeeCharged decimal.Decimal
	MarkedBy   string
}

// UpsertResult reports what Upsert did. Prior is nil on a first mark.
type UpsertResult struct {
	Prior   *AttendanceRecord
	Record  AttendanceRecord
	Changed bool
}

func dayLockKey(d calendar.Date) string { return "day:" + d.Key() }

// GetByDate returns the day's records keyed by student id.
func (s *AttendanceStore) GetByDate(ctx context.Context, d calendar.Date) (map[string]AttendanceRecord, error) {
	day, err := s.load(ctx, "attendance.getByDate", d)
	if err != nil {
		return nil, err
	}
	return day.Records, nil
}

// Get returns one record; ok is false when the student is unmarked.
func (s *AttendanceStore) Get(ctx context.Context, d calendar.Date, studentID string) (rec AttendanceRecord, ok bool, err error) {
	records, err := s.GetByDate(ctx, d)
	if err != nil {
		return AttendanceRecord{}, false, err
	}
	rec, ok = records[studentID]
	return rec, ok, nil
}

// GetByStudent returns the student's records in r ordered by date.
func (s *AttendanceStore) GetByStudent(ctx context.Context, studentID string, r calendar.Range) ([]AttendanceRecord, error) {
	days, err := s.Range(ctx, r)
	if err != nil {
		return nil, err
	}
	var out []AttendanceRecord
	for _, day := range days {
		if rec, ok := day[studentID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Range returns every day document in r ordered by date.
func (s *AttendanceStore) Range(ctx context.Context, r calendar.Range) ([]map[string]AttendanceRecord, error) {
	const op = "attendance.range"
	docs, err := s.store.Query(ctx, AttendanceCollection, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("date", docstore.OpGte, r.Start.Key()),
			docstore.Where("date", docstore.OpLte, r.End.Key()),
		},
		OrderBy: "date",
	})
	if err != nil {
		return nil, classify(op, err)
	}
	out := make([]map[string]AttendanceRecord, 0, len(docs))
	for _, doc := range docs {
		var day attendanceDay
		if err := doc.Decode(&day); err != nil {
			return nil, inconsistent(op, "attendance %s: %v", doc.ID, err)
		}
		out = append(out, day.Records)
	}
	return out, nil
}

// Upsert writes one record. Identical status, attributes and fee are a
// no-op; otherwise the record is overwritten and its revision bumped.
func (s *AttendanceStore) Upsert(ctx context.Context, m Mark) (UpsertResult, error) {
	const op = "attendance.upsert"
	results, err := s.write(ctx, op, m.Date, []Mark{m})
	if err != nil {
		return UpsertResult{}, err
	}
	return results[0], nil
}

// BulkUpsert sets status (and fee) for every id in one atomic write of the
// day document. Attributes are cleared.
func (s *AttendanceStore) BulkUpsert(ctx context.Context, d calendar.Date, studentIDs []string, status Status, fee decimal.Decimal, by string) ([]UpsertResult, error) {
	const op = "attendance.bulkUpsert"
	marks := make([]Mark, 0, len(studentIDs))
	for _, id := range studentIDs {
		marks = append(marks, Mark{Date: d, StudentID: id, Status: status, Attributes: AttributeSet{}, FeeCharged: fee, MarkedBy: by})
	}
	return s.write(ctx, op, d, marks)
}

func (s *AttendanceStore) write(ctx context.Context, op string, d calendar.Date, marks []Mark) ([]UpsertResult, error) {
	if !d.Valid() {
		return nil, validationf(op, "invalid date %s", d)
	}
	for _, m := range marks {
		if err := checkMark(op, m); err != nil {
			return nil, err
		}
	}

	release, err := s.locks.Acquire(ctx, dayLockKey(d))
	if err != nil {
		return nil, classify(op, err)
	}
	defer release()

	ctx = detach(ctx)
	var results []UpsertResult
	err = s.retry.Retry(ctx, s.logger, op, func() error {
		return classify(op, s.store.Update(ctx, AttendanceCollection, d.Key(), func(current json.RawMessage) (any, error) {
			day := attendanceDay{Date: d, Records: map[string]AttendanceRecord{}}
			if current != nil {
				if err := docstore.DecodeStrict(current, &day); err != nil {
					return nil, inconsistent(op, "attendance %s: %v", d, err)
				}
				if day.Records == nil {
					day.Records = map[string]AttendanceRecord{}
				}
			}

			results = results[:0]
			changed := false
			for _, m := range marks {
				res := UpsertResult{}
				prior, existed := day.Records[m.StudentID]
				if existed {
					p := prior
					res.Prior = &p
					if prior.Status == m.Status && prior.Attributes.Equal(m.Attributes) && prior.FeeCharged.Equal(m.FeeCharged) {
						res.Record = prior
						results = append(results, res)
						continue
					}
				}
				rec := AttendanceRecord{
					StudentID:  m.StudentID,
					Date:       d,
					Status:     m.Status,
					Attributes: m.Attributes,
					FeeCharged: m.FeeCharged,
					Revision:   prior.Revision + 1,
					MarkedBy:   m.MarkedBy,
					Timestamp:  docstore.At(s.now()),
				}
				day.Records[m.StudentID] = rec
				res.Record = rec
				res.Changed = true
				changed = true
				results = append(results, res)
			}
			if !changed {
				return nil, docstore.ErrNoChange
			}
			return day, nil
		}))
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *AttendanceStore) load(ctx context.Context, op string, d calendar.Date) (attendanceDay, error) {
	if !d.Valid() {
		return attendanceDay{}, validationf(op, "invalid date %s", d)
	}
	doc, err := s.store.Get(ctx, AttendanceCollection, d.Key())
	if errors.Is(err, docstore.ErrNotFound) {
		return attendanceDay{Date: d, Records: map[string]AttendanceRecord{}}, nil
	}
	if err != nil {
		return attendanceDay{}, classify(op, err)
	}
	var day attendanceDay
	if err := doc.Decode(&day); err != nil {
		return attendanceDay{}, inconsistent(op, "attendance %s: %v", d, err)
	}
	if day.Records == nil {
		day.Records = map[string]AttendanceRecord{}
	}
	return day, nil
}

// checkMark enforces the record invariants before any write.
func checkMark(op string, m Mark) error {
	switch {
	case m.StudentID == "":
		return validationf(op, "studentId is required")
	case !m.Status.Valid():
		return validationf(op, "unknown attendance status %q", m.Status)
	case m.Status != StatusPresent && len(m.Attributes) > 0:
		return validationf(op, "attributes are only allowed when present, got %s with %v", m.Status, m.Attributes)
	case m.FeeCharged.IsNegative():
		return inconsistent(op, "negative feeCharged %s for %s", m.FeeCharged, m.StudentID)
	case m.Status == StatusHoliday && !m.FeeCharged.IsZero():
		return inconsistent(op, "holiday record for %s with feeCharged %s", m.StudentID, m.FeeCharged)
	}
	return nil
}

// SortedIDs returns the map keys in order.
func SortedIDs(records map[string]AttendanceRecord) []string {
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
