package notify

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/exitbot/internal/domain"
)

// Report es todo lo que imprime el modo -report.
type Report struct {
	Symbol  string
	LogPath string
	Plan    []int                       // cantidades por bucket según la config actual
	Records []domain.ClosedBucketRecord // snapshot del CSV
	Journal []domain.ClosedBucketRecord // histórico SQLite (incluye cancelados)

	TickCount   int
	FirstTick   time.Time
	LastTick    time.Time
	MinBid      decimal.Decimal
	MaxBid      decimal.Decimal
	GeneratedAt time.Time
}

// Console imprime reportes en texto con tablas.
type Console struct {
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// PrintReport imprime el estado de la salida escalonada: plan de buckets,
// fills registrados, journal y estadísticas de ticks.
func (c *Console) PrintReport(r Report) {
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now()
	}
	filled := filledForSymbol(r.Records, r.Symbol)
	sold, avg := soldAndAverage(filled)

	fmt.Fprintf(c.out, "\n╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Fprintf(c.out, "║                      EXIT PROGRESS REPORT                    ║\n")
	fmt.Fprintf(c.out, "╚══════════════════════════════════════════════════════════════╝\n\n")

	fmt.Fprintf(c.out, "  Instrument:   %s\n", r.Symbol)
	fmt.Fprintf(c.out, "  Log:          %s\n", r.LogPath)
	fmt.Fprintf(c.out, "  Generated:    %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(c.out, "  Filled:       %d / %d buckets | %d contracts sold", len(filled), len(r.Plan), sold)
	if sold > 0 {
		fmt.Fprintf(c.out, " | avg fill $%s", avg.StringFixed(2))
	}
	fmt.Fprintln(c.out)

	if len(r.Plan) > 0 {
		fmt.Fprintf(c.out, "\n── BUCKET PLAN ──\n")
		c.printPlan(r.Plan, filled)
	}

	fmt.Fprintf(c.out, "\n── JOURNAL (%d) ──\n", len(r.Journal))
	if len(r.Journal) > 0 {
		c.printJournal(r.Journal)
	} else {
		fmt.Fprintln(c.out, "  (none)")
	}

	fmt.Fprintf(c.out, "\n── MARKET DATA ──\n")
	if r.TickCount == 0 {
		fmt.Fprintln(c.out, "  (no ticks saved)")
		return
	}
	fmt.Fprintf(c.out, "  Ticks:   %d (%s → %s)\n", r.TickCount,
		r.FirstTick.Format("2006-01-02 15:04:05"), r.LastTick.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(c.out, "  Bid:     min $%s | max $%s\n", r.MinBid.StringFixed(2), r.MaxBid.StringFixed(2))
}

func (c *Console) printPlan(plan []int, filled []domain.ClosedBucketRecord) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Qty", "Status", "Fill", "Order", "Closed at")

	for i, qty := range plan {
		status, price, order, at := "OPEN", "-", "-", "-"
		if i < len(filled) {
			rec := filled[i]
			status = "FILLED"
			price = formatPrice(rec.FillPrice)
			order = shortID(rec.OrderID)
			if !rec.Timestamp.IsZero() {
				at = rec.Timestamp.Format("01-02 15:04:05")
			}
		}
		table.Append(fmt.Sprintf("%d", i), fmt.Sprintf("%d", qty), status, price, order, at)
	}
	table.Render()
}

func (c *Console) printJournal(journal []domain.ClosedBucketRecord) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Time", "Symbol", "Bucket", "Status", "Qty", "Fill", "Reason", "Order")

	for _, rec := range journal {
		table.Append(
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.Symbol,
			fmt.Sprintf("%d", rec.BucketIndex),
			string(rec.Status),
			fmt.Sprintf("%d", rec.Qty),
			formatPrice(rec.FillPrice),
			string(rec.Reason),
			shortID(rec.OrderID),
		)
	}
	table.Render()
}

// --- helpers ---

func filledForSymbol(recs []domain.ClosedBucketRecord, symbol string) []domain.ClosedBucketRecord {
	var out []domain.ClosedBucketRecord
	for _, r := range recs {
		if r.Symbol == symbol && r.Status == domain.OrderStatusFilled {
			out = append(out, r)
		}
	}
	return out
}

// soldAndAverage devuelve contratos vendidos y precio medio ponderado.
func soldAndAverage(recs []domain.ClosedBucketRecord) (int, decimal.Decimal) {
	sold := 0
	notional := decimal.Zero
	priced := 0
	for _, r := range recs {
		sold += r.Qty
		if r.FillPrice.Valid {
			notional = notional.Add(r.FillPrice.Decimal.Mul(decimal.NewFromInt(int64(r.Qty))))
			priced += r.Qty
		}
	}
	if priced == 0 {
		return sold, decimal.Zero
	}
	return sold, notional.Div(decimal.NewFromInt(int64(priced)))
}

func formatPrice(p decimal.NullDecimal) string {
	if !p.Valid {
		return "-"
	}
	return "$" + p.Decimal.StringFixed(2)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
