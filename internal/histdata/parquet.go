package histdata

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"depthflow/logger"
)

// klineRecord defines the parquet schema for Binance futures monthly klines.
type klineRecord struct {
	OpenTime            int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open                float64 `parquet:"name=open, type=DOUBLE"`
	High                float64 `parquet:"name=high, type=DOUBLE"`
	Low                 float64 `parquet:"name=low, type=DOUBLE"`
	Close               float64 `parquet:"name=close, type=DOUBLE"`
	Volume              float64 `parquet:"name=volume, type=DOUBLE"`
	CloseTime           int64   `parquet:"name=close_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	QuoteVolume         float64 `parquet:"name=quote_volume, type=DOUBLE"`
	Count               int64   `parquet:"name=count, type=INT64"`
	TakerBuyVolume      float64 `parquet:"name=taker_buy_volume, type=DOUBLE"`
	TakerBuyQuoteVolume float64 `parquet:"name=taker_buy_quote_volume, type=DOUBLE"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct{ buffer *bytes.Buffer }

func newMemoryFileWriter() *memoryFileWriter { return &memoryFileWriter{buffer: &bytes.Buffer{}} }

func (m *memoryFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }

func (m *memoryFileWriter) Open(string) (source.ParquetFile, error) { return m, nil }

func (m *memoryFileWriter) Seek(int64, int) (int64, error) { return int64(m.buffer.Len()), nil }

func (m *memoryFileWriter) Read([]byte) (int, error) { return 0, nil }

func (m *memoryFileWriter) Write(b []byte) (int, error) { return m.buffer.Write(b) }

func (m *memoryFileWriter) Close() error { return nil }

func (m *memoryFileWriter) Bytes() []byte { return m.buffer.Bytes() }

// ConvertCSV converts a klines CSV to a Parquet file. The CSV is deleted
// after a successful conversion unless keepCSV is set. An existing Parquet
// file short-circuits the conversion unless overwrite is set.
func ConvertCSV(csvPath, parquetPath string, overwrite, keepCSV bool) error {
	log := logger.GetLogger().WithComponent("histdata")

	if _, err := os.Stat(parquetPath); err == nil && !overwrite {
		log.WithFields(logger.Fields{"path": parquetPath}).Info("skipping conversion, parquet exists")
		return nil
	}

	records, err := readKlinesCSV(csvPath)
	if err != nil {
		return err
	}

	data, err := writeParquet(records)
	if err != nil {
		return fmt.Errorf("convert %s: %w", csvPath, err)
	}

	if err := os.WriteFile(parquetPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", parquetPath, err)
	}

	log.WithFields(logger.Fields{
		"csv":     csvPath,
		"parquet": parquetPath,
		"rows":    len(records),
	}).Info("converted to parquet")

	if !keepCSV {
		if err := os.Remove(csvPath); err != nil {
			log.WithError(err).Warn("failed to delete csv after conversion")
		}
	}
	return nil
}

// readKlinesCSV parses the monthly klines CSV. Newer archives carry a header
// row; older ones do not, so the first row is probed instead of assumed.
func readKlinesCSV(path string) ([]klineRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var records []klineRecord
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv %s: %w", path, err)
		}
		if first {
			first = false
			if _, convErr := strconv.ParseInt(row[0], 10, 64); convErr != nil {
				continue // header row
			}
		}
		rec, err := parseKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("parse csv %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseKlineRow(row []string) (klineRecord, error) {
	if len(row) < 11 {
		return klineRecord{}, fmt.Errorf("kline row has %d fields, want at least 11", len(row))
	}
	var rec klineRecord
	var err error
	if rec.OpenTime, err = strconv.ParseInt(row[0], 10, 64); err != nil {
		return rec, fmt.Errorf("open_time: %w", err)
	}
	if rec.Open, err = strconv.ParseFloat(row[1], 64); err != nil {
		return rec, fmt.Errorf("open: %w", err)
	}
	if rec.High, err = strconv.ParseFloat(row[2], 64); err != nil {
		return rec, fmt.Errorf("high: %w", err)
	}
	if rec.Low, err = strconv.ParseFloat(row[3], 64); err != nil {
		return rec, fmt.Errorf("low: %w", err)
	}
	if rec.Close, err = strconv.ParseFloat(row[4], 64); err != nil {
		return rec, fmt.Errorf("close: %w", err)
	}
	if rec.Volume, err = strconv.ParseFloat(row[5], 64); err != nil {
		return rec, fmt.Errorf("volume: %w", err)
	}
	if rec.CloseTime, err = strconv.ParseInt(row[6], 10, 64); err != nil {
		return rec, fmt.Errorf("close_time: %w", err)
	}
	if rec.QuoteVolume, err = strconv.ParseFloat(row[7], 64); err != nil {
		return rec, fmt.Errorf("quote_volume: %w", err)
	}
	if rec.Count, err = strconv.ParseInt(row[8], 10, 64); err != nil {
		return rec, fmt.Errorf("count: %w", err)
	}
	if rec.TakerBuyVolume, err = strconv.ParseFloat(row[9], 64); err != nil {
		return rec, fmt.Errorf("taker_buy_volume: %w", err)
	}
	if rec.TakerBuyQuoteVolume, err = strconv.ParseFloat(row[10], 64); err != nil {
		return rec, fmt.Errorf("taker_buy_quote_volume: %w", err)
	}
	return rec, nil
}

func writeParquet(records []klineRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(klineRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
