package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RecordColumns is the header of the running record.
var RecordColumns = []string{
	"mean_overlapping_bboxes",
	"class_acc",
	"loss_rpn_cls",
	"loss_rpn_regr",
	"loss_class_cls",
	"loss_class_regr",
	"curr_loss",
	"elapsed_time",
	"mAP",
}

// recordPrecision is the number of decimals stored per value.
const recordPrecision = 3

// Row is one completed epoch of the running record.
type Row struct {
	MeanOverlappingBoxes float64
	ClassAccuracy        float64
	LossRPNClass         float64
	LossRPNRegression    float64
	LossClassClass       float64
	LossClassRegression  float64
	// CurrentLoss is the sum of the four losses.
	CurrentLoss float64
	// ElapsedTime is the epoch duration in minutes.
	ElapsedTime float64
	MAP         float64
}

func (r Row) values() []float64 {
	return []float64{
		r.MeanOverlappingBoxes,
		r.ClassAccuracy,
		r.LossRPNClass,
		r.LossRPNRegression,
		r.LossClassClass,
		r.LossClassRegression,
		r.CurrentLoss,
		r.ElapsedTime,
		r.MAP,
	}
}

func rowFrom(v []float64) Row {
	return Row{
		MeanOverlappingBoxes: v[0],
		ClassAccuracy:        v[1],
		LossRPNClass:         v[2],
		LossRPNRegression:    v[3],
		LossClassClass:       v[4],
		LossClassRegression:  v[5],
		CurrentLoss:          v[6],
		ElapsedTime:          v[7],
		MAP:                  v[8],
	}
}

// RecordStore keeps the running record in memory and rewrites the whole CSV
// on every append.
type RecordStore struct {
	bucket Bucket
	key    string
	rows   []Row
}

// NewRecordStore returns an empty record stored at key.
func NewRecordStore(bucket Bucket, key string) *RecordStore {
	return &RecordStore{bucket: bucket, key: key}
}

// Load reads the stored record. A missing record is an empty one.
func (s *RecordStore) Load(ctx context.Context) ([]Row, error) {
	rc, err := s.bucket.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		s.rows = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	rows, err := ReadRecord(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read record %s", s.key)
	}
	s.rows = rows
	return rows, nil
}

// Append adds row and persists the record.
func (s *RecordStore) Append(ctx context.Context, row Row) error {
	s.rows = append(s.rows, row)

	var buf bytes.Buffer
	if err := WriteRecord(&buf, s.rows); err != nil {
		return err
	}
	if err := s.bucket.Put(ctx, s.key, &buf); err != nil {
		return errors.Wrapf(err, "write record %s", s.key)
	}
	return nil
}

// Rows returns the rows loaded or appended so far.
func (s *RecordStore) Rows() []Row { return s.rows }

// BestLoss returns the lowest CurrentLoss of the record, or false when the
// record is empty.
func (s *RecordStore) BestLoss() (float64, bool) {
	if len(s.rows) == 0 {
		return 0, false
	}
	best := s.rows[0].CurrentLoss
	for _, r := range s.rows[1:] {
		best = min(best, r.CurrentLoss)
	}
	return best, true
}

// WriteRecord writes rows as CSV with a header line. Values are rounded to
// three decimals.
func WriteRecord(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(RecordColumns); err != nil {
		return errors.Wrap(err, "write record header")
	}

	line := make([]string, len(RecordColumns))
	for _, r := range rows {
		for i, v := range r.values() {
			line[i] = decimal.NewFromFloat(v).Round(recordPrecision).String()
		}
		if err := cw.Write(line); err != nil {
			return errors.Wrap(err, "write record row")
		}
	}

	cw.Flush()
	return errors.Wrap(cw.Error(), "flush record")
}

// ReadRecord parses a record written by WriteRecord. Columns are matched by
// header name so that older records with reordered columns still load.
func ReadRecord(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}

	pos := make([]int, len(RecordColumns))
	for i, name := range RecordColumns {
		pos[i] = -1
		for j, h := range header {
			if h == name {
				pos[i] = j
			}
		}
		if pos[i] < 0 && name != "mAP" {
			return nil, errors.Errorf("record has no %s column", name)
		}
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read row")
		}

		values := make([]float64, len(RecordColumns))
		for i, p := range pos {
			if p < 0 || rec[p] == "" {
				continue
			}
			d, err := decimal.NewFromString(rec[p])
			if err != nil {
				line, _ := cr.FieldPos(p)
				return nil, errors.Wrapf(err, "line %d: %s", line, RecordColumns[i])
			}
			values[i] = d.InexactFloat64()
		}
		rows = append(rows, rowFrom(values))
	}
}
