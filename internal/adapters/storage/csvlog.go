package storage

// csvlog.go — registro durable de buckets resueltos.
//
// El archivo es un snapshot completo: cada Save reescribe todas las filas
// (tmp + rename, nunca queda a medio escribir). Las columnas son las mismas
// que escribía la versión anterior de la herramienta, así que un log viejo se
// puede reanudar sin migración.

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// LogColumns es el header del CSV, en orden.
var LogColumns = []string{"order_id", "symbol", "order_status", "bucket_qty", "fill_price", "timestamp", "reason"}

// DefaultLogFile es el nombre del log dentro del output dir.
const DefaultLogFile = "positions_closed.csv"

// Timestamps se escriben en el formato de pandas y se aceptan también en RFC3339.
const csvTimeLayout = "2006-01-02 15:04:05.999999-07:00"

var csvTimeLayouts = []string{
	csvTimeLayout,
	"2006-01-02 15:04:05-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// CSVLog implementa ports.BucketLog sobre un archivo CSV.
type CSVLog struct {
	path string
	loc  *time.Location
}

// NewCSVLog crea el log en path. loc se usa para timestamps sin offset.
func NewCSVLog(path string, loc *time.Location) *CSVLog {
	if loc == nil {
		loc = time.UTC
	}
	return &CSVLog{path: path, loc: loc}
}

// Path devuelve la ruta del archivo.
func (l *CSVLog) Path() string { return l.path }

// Load lee todas las filas. Un archivo inexistente es un log vacío.
func (l *CSVLog) Load(_ context.Context) ([]domain.ClosedBucketRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage.CSVLog.Load: open %q: %w", l.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage.CSVLog.Load: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	var missing []string
	for _, c := range LogColumns {
		if _, ok := col[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("storage.CSVLog.Load: %q missing columns %v", l.path, missing)
	}

	var out []domain.ClosedBucketRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage.CSVLog.Load: line %d: %w", line, err)
		}
		get := func(name string) string {
			i := col[name]
			if i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		rec, err := l.parseRow(get)
		if err != nil {
			return nil, fmt.Errorf("storage.CSVLog.Load: line %d: %w", line, err)
		}
		rec.BucketIndex = -1
		out = append(out, rec)
	}
	return out, nil
}

func (l *CSVLog) parseRow(get func(string) string) (domain.ClosedBucketRecord, error) {
	rec := domain.ClosedBucketRecord{
		OrderID: get("order_id"),
		Symbol:  get("symbol"),
		Status:  domain.OrderStatus(strings.ToLower(get("order_status"))),
		Reason:  domain.CloseReason(get("reason")),
	}
	if rec.Status == "canceled" {
		rec.Status = domain.OrderStatusCancelled
	}

	if q := get("bucket_qty"); q != "" {
		// pandas escribe "2.0" si la columna tuvo algún NaN
		f, err := strconv.ParseFloat(q, 64)
		if err != nil {
			return rec, fmt.Errorf("bucket_qty %q: %w", q, err)
		}
		rec.Qty = int(f)
	}

	if p := get("fill_price"); p != "" && !strings.EqualFold(p, "nan") && !strings.EqualFold(p, "none") {
		d, err := decimal.NewFromString(p)
		if err != nil {
			return rec, fmt.Errorf("fill_price %q: %w", p, err)
		}
		rec.FillPrice = decimal.NewNullDecimal(d)
	}

	if ts := get("timestamp"); ts != "" {
		t, err := parseCSVTime(ts, l.loc)
		if err != nil {
			return rec, err
		}
		rec.Timestamp = t
	}
	return rec, nil
}

func parseCSVTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range csvTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unrecognised format", s)
}

// Save reescribe el archivo con records, de forma atómica.
func (l *CSVLog) Save(_ context.Context, records []domain.ClosedBucketRecord) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("storage.CSVLog.Save: mkdir: %w", err)
	}

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("storage.CSVLog.Save: create %q: %w", tmp, err)
	}

	w := csv.NewWriter(f)
	_ = w.Write(LogColumns)
	for _, r := range records {
		price := ""
		if r.FillPrice.Valid {
			price = r.FillPrice.Decimal.String()
		}
		ts := ""
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.Format(csvTimeLayout)
		}
		_ = w.Write([]string{
			r.OrderID,
			r.Symbol,
			string(r.Status),
			strconv.Itoa(r.Qty),
			price,
			ts,
			string(r.Reason),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("storage.CSVLog.Save: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("storage.CSVLog.Save: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("storage.CSVLog.Save: close: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("storage.CSVLog.Save: rename: %w", err)
	}
	return nil
}
