package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

// archiveRecord is one parquet row. Order books produce one row per level.
type archiveRecord struct {
	Provider  string   `parquet:"name=provider, type=BYTE_ARRAY, convertedtype=UTF8"`
	Category  string   `parquet:"name=category, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Side      string   `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     int32    `parquet:"name=level, type=INT32"`
	Price     float64  `parquet:"name=price, type=DOUBLE"`
	Quantity  float64  `parquet:"name=quantity, type=DOUBLE"`
	Bid       *float64 `parquet:"name=bid, type=DOUBLE, repetitiontype=OPTIONAL"`
	Ask       *float64 `parquet:"name=ask, type=DOUBLE, repetitiontype=OPTIONAL"`
	Open      *float64 `parquet:"name=open, type=DOUBLE, repetitiontype=OPTIONAL"`
	High      *float64 `parquet:"name=high, type=DOUBLE, repetitiontype=OPTIONAL"`
	Low       *float64 `parquet:"name=low, type=DOUBLE, repetitiontype=OPTIONAL"`
	Volume    *float64 `parquet:"name=volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	Interval  string   `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail    string   `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func archiveRows(msg models.MarketMessage) []archiveRecord {
	base := archiveRecord{
		Provider:  msg.Source(),
		Category:  msg.Category().String(),
		Symbol:    models.SymbolOf(msg),
		Timestamp: msg.Time(),
	}
	switch m := msg.(type) {
	case models.Ticker:
		r := base
		r.Price = m.Price
		r.Bid, r.Ask = m.Bid, m.Ask
		r.Open, r.High, r.Low = m.Open, m.High, m.Low
		r.Volume = m.Volume
		return []archiveRecord{r}
	case models.Trade:
		r := base
		r.Price, r.Quantity = m.Price, m.Quantity
		r.Side = string(m.Side)
		return []archiveRecord{r}
	case models.Candle:
		r := base
		r.Price = m.Close
		r.Open, r.High, r.Low = models.Float(m.Open), models.Float(m.High), models.Float(m.Low)
		r.Volume = models.Float(m.Volume)
		r.Interval = m.Interval
		return []archiveRecord{r}
	case models.OrderBook:
		rows := make([]archiveRecord, 0, len(m.Bids)+len(m.Asks))
		for i, l := range m.Bids {
			r := base
			r.Side, r.Level, r.Price, r.Quantity = "bid", int32(i), l.Price, l.Quantity
			rows = append(rows, r)
		}
		for i, l := range m.Asks {
			r := base
			r.Side, r.Level, r.Price, r.Quantity = "ask", int32(i), l.Price, l.Quantity
			rows = append(rows, r)
		}
		return rows
	case models.Status:
		r := base
		r.Side = string(m.State)
		r.Detail = m.Detail
		return []archiveRecord{r}
	}
	return nil
}

// memFile is an in-memory parquet target.
type memFile struct {
	buf *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read(b []byte) (int, error)                { return m.buf.Read(b) }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buf.Bytes() }

// ObjectPutter is the part of the S3 client the archive uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type partition struct {
	provider string
	category string
	symbol   string
}

// Archive buffers messages per provider, category and symbol and uploads
// each buffer as a snappy parquet object.
type Archive struct {
	client    ObjectPutter
	bucket    string
	prefix    string
	batchSize int

	mu     sync.Mutex
	buffer map[partition][]archiveRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	log    *logger.Entry
}

// NewArchive loads the AWS configuration and starts the flush loop.
func NewArchive(ctx context.Context, cfg config.S3Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 sink needs a bucket")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newArchive(client, cfg), nil
}

func newArchive(client ObjectPutter, cfg config.S3Config) *Archive {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	a := &Archive{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		batchSize: cfg.BatchSize,
		buffer:    make(map[partition][]archiveRecord),
		now:       time.Now,
		log:       logger.GetLogger().WithComponent("s3_sink").WithField("bucket", cfg.Bucket),
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.flushLoop(ctx, cfg.FlushInterval)
	return a
}

func (a *Archive) Name() string { return "s3" }

// Deliver buffers msg. A partition that reaches the batch size is uploaded
// before Deliver returns.
func (a *Archive) Deliver(ctx context.Context, msg models.MarketMessage) error {
	rows := archiveRows(msg)
	if len(rows) == 0 {
		return nil
	}
	p := partition{provider: msg.Source(), category: msg.Category().String(), symbol: models.SymbolOf(msg)}

	a.mu.Lock()
	a.buffer[p] = append(a.buffer[p], rows...)
	full := len(a.buffer[p]) >= a.batchSize
	a.mu.Unlock()

	if full {
		return a.flush(ctx, p)
	}
	return nil
}

func (a *Archive) flushLoop(ctx context.Context, interval time.Duration) {
	defer a.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.flushAll(ctx); err != nil {
				a.log.WithError(err).Warn("interval flush failed")
			}
		}
	}
}

func (a *Archive) flushAll(ctx context.Context) error {
	a.mu.Lock()
	keys := make([]partition, 0, len(a.buffer))
	for k := range a.buffer {
		keys = append(keys, k)
	}
	a.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := a.flush(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// flush uploads and clears one partition. A failed upload drops its rows.
func (a *Archive) flush(ctx context.Context, p partition) error {
	a.mu.Lock()
	rows := a.buffer[p]
	delete(a.buffer, p)
	a.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	data, err := encodeParquet(rows)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}
	key := a.objectKey(p)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.WithFields(logger.Fields{"s3_key": key, "records": len(rows), "bytes": len(data)}).Debug("archive object uploaded")
	return nil
}

func encodeParquet(rows []archiveRecord) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(archiveRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (a *Archive) objectKey(p partition) string {
	ts := a.now().UTC()
	symbol := p.symbol
	if symbol == "" {
		symbol = "none"
	}
	return path.Join(
		a.prefix,
		"provider="+p.provider,
		"category="+p.category,
		"symbol="+symbol,
		fmt.Sprintf("year=%04d", ts.Year()),
		fmt.Sprintf("month=%02d", int(ts.Month())),
		fmt.Sprintf("day=%02d", ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("%s_%d_%s.parquet", p.category, ts.UnixMilli(), uuid.NewString()[:8]),
	)
}

// Close stops the flush loop and uploads what is still buffered.
func (a *Archive) Close() error {
	a.cancel()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.log.Info("flushing archive before close")
	return a.flushAll(ctx)
}
