package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	progressEvery = 100_000
)

// record is one parsed CSV row.
type record struct {
	file        string
	line        int
	code        string
	offer       coupon.Offer
	minPurchase decimal.Decimal
}

// couponWriter is the part of the coupon repository the ingest needs.
type couponWriter interface {
	Upsert(ctx context.Context, c *coupon.Coupon) error
}

// stats summarizes one ingest run.
type stats struct {
	rows       int
	invalid    int
	likelyDups int
	duplicates int
	written    int
}

func main() {
	var (
		dataDir     string
		databaseURL string
		workers     int
		expected    uint
		dryRun      bool
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz coupon files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&workers, "workers", 4, "files decoded concurrently")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of distinct codes, sizes the bloom filter")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and deduplicate without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, databaseURL, workers, expected, dryRun); err != nil {
		slog.Error("coupon ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon ingest completed successfully")
}

func run(ctx context.Context, dataDir, databaseURL string, workers int, expected uint, dryRun bool) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list coupon files")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz files in %s", dataDir)
	}
	sort.Strings(files)

	var w couponWriter = discard{}
	if !dryRun {
		pool, err := postgres.NewPool(ctx, databaseURL)
		if err != nil {
			return errors.Wrap(err, "connect to database")
		}
		defer pool.Close()
		w = postgres.NewCouponRepository(pool)
	}

	start := time.Now()
	st, err := ingest(ctx, files, workers, expected, w)
	if err != nil {
		return err
	}

	slog.Info("ingest summary",
		slog.Int("files", len(files)),
		slog.Int("rows", st.rows),
		slog.Int("invalid", st.invalid),
		slog.Int("likely_duplicates", st.likelyDups),
		slog.Int("duplicates", st.duplicates),
		slog.Int("written", st.written),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// ingest decodes files concurrently and upserts every code the first time it
// is seen. Files are decoded in parallel but the first occurrence wins in
// file order, so reruns over the same files are deterministic.
func ingest(ctx context.Context, files []string, workers int, expected uint, w couponWriter) (stats, error) {
	var st stats

	parsed := make([][]record, len(files))
	invalid := make([]int, len(files))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i, path := range files {
		g.Go(func() error {
			recs, bad, err := readFile(gCtx, path)
			if err != nil {
				return err
			}
			parsed[i], invalid[i] = recs, bad
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	d := newDedup(expected)
	for i := range files {
		st.invalid += invalid[i]
		for _, rec := range parsed[i] {
			st.rows++
			fresh, likely := d.add(rec.code)
			if likely {
				st.likelyDups++
			}
			if !fresh {
				st.duplicates++
				continue
			}

			if err := w.Upsert(ctx, &coupon.Coupon{
				Code:        rec.code,
				Offer:       rec.offer,
				MinPurchase: rec.minPurchase,
				Active:      true,
				Source:      coupon.SourceManual,
				CreatedAt:   time.Now().UTC(),
			}); err != nil {
				return st, errors.Wrapf(err, "upsert %s (%s:%d)", rec.code, rec.file, rec.line)
			}
			st.written++
			if st.written%progressEvery == 0 {
				slog.Info("write progress", slog.Int("written", st.written))
			}
		}
		// Release the file's records once merged.
		parsed[i] = nil
	}
	return st, nil
}

// dedup flags likely repeats with a bloom filter and confirms them against
// the exact set of codes seen so far.
type dedup struct {
	filter *bloom.BloomFilter
	seen   map[string]struct{}
}

func newDedup(expected uint) *dedup {
	return &dedup{
		filter: bloom.NewWithEstimates(max(expected, 1), bloomFPR),
		seen:   make(map[string]struct{}),
	}
}

// add records code. fresh reports the first occurrence; likely reports that
// the filter suspected a repeat.
func (d *dedup) add(code string) (fresh, likely bool) {
	if d.filter.TestOrAddString(code) {
		likely = true
		if _, ok := d.seen[code]; ok {
			return false, true
		}
	}
	d.seen[code] = struct{}{}
	return true, likely
}

// readFile decodes one gzip-compressed CSV file with columns
// code,type,value,min_purchase. A leading header row is skipped. Rows that
// fail validation are logged and counted.
func readFile(ctx context.Context, path string) ([]record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	name := filepath.Base(path)
	r := csv.NewReader(gz)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	var (
		out     []record
		invalid int
	)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrapf(err, "read %s", name)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(fields[0]), "code") {
			continue
		}

		rec, err := parseRecord(fields)
		if err != nil {
			invalid++
			slog.Warn("skipping row", slog.String("file", name), slog.Int("line", line), slog.String("error", err.Error()))
			continue
		}
		rec.file, rec.line = name, line
		out = append(out, rec)
	}

	slog.Info("file decoded", slog.String("file", name), slog.Int("records", len(out)), slog.Int("invalid", invalid))
	return out, invalid, nil
}

func parseRecord(fields []string) (record, error) {
	if len(fields) < 3 || len(fields) > 4 {
		return record{}, errors.Errorf("expected 3 or 4 columns, got %d", len(fields))
	}

	code := coupon.NormalizeCode(fields[0])
	if code == "" {
		return record{}, errors.New("empty code")
	}
	discountType, err := coupon.ParseDiscountType(strings.TrimSpace(fields[1]))
	if err != nil {
		return record{}, err
	}
	value, err := decimal.NewFromString(strings.TrimSpace(fields[2]))
	if err != nil {
		return record{}, errors.Wrap(err, "value")
	}
	offer := coupon.Offer{Type: discountType, Value: value}
	if err := offer.Validate(); err != nil {
		return record{}, err
	}

	minPurchase := decimal.Zero
	if len(fields) == 4 && strings.TrimSpace(fields[3]) != "" {
		minPurchase, err = decimal.NewFromString(strings.TrimSpace(fields[3]))
		if err != nil {
			return record{}, errors.Wrap(err, "min_purchase")
		}
		if minPurchase.IsNegative() {
			return record{}, errors.New("min_purchase cannot be negative")
		}
	}

	return record{code: code, offer: offer, minPurchase: minPurchase}, nil
}

// discard drops writes in dry-run mode.
type discard struct{}

func (discard) Upsert(context.Context, *coupon.Coupon) error { return nil }
