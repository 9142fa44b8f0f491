// Command coupon-import loads campaign coupon codes from gzip files, one code
// per line, and upserts them with a shared discount rule.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

const (
	minCodeLen    = 4
	maxCodeLen    = 32
	progressEvery = 100_000
)

type options struct {
	databaseURL string
	files       []string
	batchSize   int
	capacity    uint
	fpr         float64
	rule        coupon.Rule
}

func main() {
	var (
		opts         options
		discountType string
		value        string
		minimum      string
		startsAt     string
		endsAt       string
	)

	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.batchSize, "batch", 5000, "codes written per transaction")
	flag.UintVar(&opts.capacity, "expected", 1_000_000, "expected number of distinct codes, sizes the dedupe filter")
	flag.Float64Var(&opts.fpr, "fpr", 1e-7, "false positive rate of the dedupe filter")
	flag.StringVar(&discountType, "type", "percentage", "discount type: percentage, fixed or free_shipping")
	flag.StringVar(&value, "value", "10", "discount value")
	flag.StringVar(&minimum, "minimum", "0", "minimum order subtotal")
	flag.IntVar(&opts.rule.UsageLimit, "limit", 1, "total redemptions per code (0 means unlimited)")
	flag.IntVar(&opts.rule.UsageLimitPerUser, "per-user", 1, "redemptions per user (0 means unlimited)")
	flag.StringVar(&opts.rule.Description, "description", "", "description shown to shoppers")
	flag.StringVar(&startsAt, "starts-at", "", "RFC3339 start of the campaign")
	flag.StringVar(&endsAt, "ends-at", "", "RFC3339 end of the campaign")
	flag.Parse()

	opts.files = flag.Args()
	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}

	if err := opts.parseRule(discountType, value, minimum, startsAt, endsAt); err != nil {
		slog.Error("invalid flags", slog.String("error", err.Error()))
		os.Exit(2)
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if len(opts.files) == 0 {
		slog.Error("no input files: pass one or more .gz files")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func (o *options) parseRule(discountType, value, minimum, startsAt, endsAt string) error {
	o.rule.DiscountType = coupon.DiscountType(discountType)
	if !o.rule.DiscountType.Valid() {
		return errors.Errorf("unknown discount type %q", discountType)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return errors.Wrap(err, "parse value")
	}
	if v.IsNegative() {
		return errors.New("value must not be negative")
	}
	o.rule.Value = v

	m, err := decimal.NewFromString(minimum)
	if err != nil {
		return errors.Wrap(err, "parse minimum")
	}
	o.rule.MinimumOrder = m

	for _, p := range []struct {
		raw string
		dst **time.Time
	}{{startsAt, &o.rule.StartsAt}, {endsAt, &o.rule.EndsAt}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, p.raw)
		if err != nil {
			return errors.Wrapf(err, "parse time %q", p.raw)
		}
		*p.dst = &t
	}
	o.rule.Active = true
	return nil
}

// run decompresses every file concurrently and funnels codes through one
// writer that drops repeats and upserts in batches.
func run(ctx context.Context, opts options) error {
	for _, f := range opts.files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL, int32(2))
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()
	store := postgres.NewStore(pool, 0, 0)

	codes := make(chan string, 4096)
	g, gctx := errgroup.WithContext(ctx)

	readers, rctx := errgroup.WithContext(gctx)
	for i, f := range opts.files {
		readers.Go(func() error {
			return streamGzFile(rctx, i, f, codes)
		})
	}
	g.Go(func() error {
		defer close(codes)
		return readers.Wait()
	})

	var written, skipped int
	g.Go(func() error {
		var err error
		written, skipped, err = writeCodes(gctx, store, opts, codes)
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("import summary",
		slog.Int("written", written),
		slog.Int("duplicates", skipped),
	)
	return nil
}

func writeCodes(ctx context.Context, store *postgres.Store, opts options, codes <-chan string) (written, skipped int, err error) {
	seen := bloom.NewWithEstimates(opts.capacity, opts.fpr)
	batch := make([]string, 0, opts.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := store.Seed(ctx, func(ctx context.Context, sd postgres.Seeder) error {
			for _, code := range batch {
				rule := opts.rule
				rule.Code = code
				if err := sd.Coupon(ctx, rule); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "write batch")
		}
		written += len(batch)
		slog.Info("write progress", slog.Int("written", written))
		batch = batch[:0]
		return nil
	}

	for code := range codes {
		if seen.TestAndAddString(code) {
			skipped++
			continue
		}
		batch = append(batch, code)
		if len(batch) == opts.batchSize {
			if err := flush(); err != nil {
				return written, skipped, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return written, skipped, err
	}
	return written, skipped, flush()
}

// streamGzFile sends every well-formed code in path to out.
func streamGzFile(ctx context.Context, idx int, path string, out chan<- string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var count, rejected uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		code := coupon.NormalizeCode(scanner.Text())
		if len(code) < minCodeLen || len(code) > maxCodeLen {
			if code != "" {
				rejected++
			}
			continue
		}
		select {
		case out <- code:
		case <-ctx.Done():
			return ctx.Err()
		}
		count++
		if count%progressEvery == 0 {
			slog.Info("read progress", slog.Int("file", idx+1), slog.Uint64("codes", count))
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	slog.Info("file complete",
		slog.String("path", path),
		slog.Uint64("codes", count),
		slog.Uint64("rejected", rejected),
	)
	return nil
}
